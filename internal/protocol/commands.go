package protocol

// Command is an 8 character verb plus a one character modifier.
type Command struct {
	Verb string
	Mod  byte
}

func (c Command) String() string { return c.Verb + string(c.Mod) }

// Label is the readable form used in messages, e.g. "getFiles (f)".
func (c Command) Label() string {
	if c.Mod == 0 {
		return c.Verb
	}
	return c.Verb + " (" + string(c.Mod) + ")"
}

// WithMod returns the command with a different modifier.
func (c Command) WithMod(mod byte) Command {
	c.Mod = mod
	return c
}

var (
	CmdLogin          = Command{"loginUsr", 'l'}
	CmdPulse          = Command{"pulseInt", 'h'}
	CmdFileType       = Command{"fileType", 's'}
	CmdNoop           = Command{"noopPing", 'q'}
	CmdQuit           = Command{"quitConn", 'q'}
	CmdAdd            = Command{"addFiles", 'a'}
	CmdReplace        = Command{"repFiles", 'a'}
	CmdGet            = Command{"getFiles", 'f'}
	CmdShow           = Command{"showFile", 'n'}
	CmdMore           = Command{"moreData", 'c'}
	CmdDelete         = Command{"delFiles", 'n'}
	CmdRename         = Command{"renFiles", 'n'}
	CmdRegister       = Command{"regFiles", 'n'}
	CmdUnregister     = Command{"unrFiles", 'n'}
	CmdLock           = Command{"lockType", 'o'}
	CmdUnlock         = Command{"unlkType", 'o'}
	CmdSubscribe      = Command{"subFiles", 's'}
	CmdKillSubscribe  = Command{"killSubs", 'k'}
	CmdPingBack       = Command{"pingBack", 'p'}
	CmdChangePassword = Command{"chgPassw", 'p'}
)

// Listing modifiers for CmdShow.
const (
	ShowNames   byte = 'n'
	ShowRegex   byte = 'r'
	ShowAfter   byte = 'a'
	ShowBetween byte = 'b'
	ShowLatest  byte = 'l'
)

// Lock modifiers for CmdLock and CmdUnlock.
const (
	LockOwner byte = 'o'
	LockGroup byte = 'g'
)

// Option tokens appended to transfer commands.
const (
	TagChecksum   = "checksum"
	TagNoChecksum = "noChecksum"
	TagReceipt    = "-receipt"
	TagDiff       = "-diff"
	TagComment    = "-comment"
)

// VerifyPrompt is the text of a "v" line asking for the local checksum.
const VerifyPrompt = "?"
