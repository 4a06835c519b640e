package console

// DefaultPrefix is Ctrl-A.
const DefaultPrefix byte = 0x01

type Action int

const (
	ActionNone Action = iota
	ActionNext
	ActionPrev
	ActionStart
	ActionStop
	ActionRestart
	ActionKill
	ActionQuit
	ActionHelp
)

var prefixKeys = map[byte]Action{
	'n': ActionNext,
	'p': ActionPrev,
	's': ActionStart,
	'x': ActionStop,
	'r': ActionRestart,
	'k': ActionKill,
	'q': ActionQuit,
	'?': ActionHelp,
}

// Step is one result of feeding keystrokes: bytes to forward to the selected
// process, or a front end action.
type Step struct {
	Input  []byte
	Action Action
}

// KeyReader splits raw stdin into passthrough input and prefix commands. The
// prefix followed by itself sends one literal prefix byte; an unbound key after
// the prefix is dropped. Not safe for concurrent use.
type KeyReader struct {
	prefix  byte
	pending bool
}

func NewKeyReader(prefix byte) *KeyReader {
	if prefix == 0 {
		prefix = DefaultPrefix
	}
	return &KeyReader{prefix: prefix}
}

func (k *KeyReader) Feed(p []byte) []Step {
	var steps []Step
	var buf []byte
	flush := func() {
		if len(buf) > 0 {
			steps = append(steps, Step{Input: buf})
			buf = nil
		}
	}
	for _, b := range p {
		if k.pending {
			k.pending = false
			if b == k.prefix {
				buf = append(buf, b)
				continue
			}
			if act, ok := prefixKeys[b]; ok {
				flush()
				steps = append(steps, Step{Action: act})
			}
			continue
		}
		if b == k.prefix {
			k.pending = true
			continue
		}
		buf = append(buf, b)
	}
	flush()
	return steps
}
