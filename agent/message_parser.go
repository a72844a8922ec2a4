package agent

import "strings"

// parserState is where the parser is within one model response.
type parserState int

const (
	stateThought parserState = iota
	stateCall
	stateTrailing
)

// MessageParser splits a streamed planner response into the free-text
// thought that precedes the first '{' and the JSON function call that
// follows it. The call ends at the brace that balances the first one;
// anything after it (closing fences, chatter) is dropped.
type MessageParser struct {
	onThought     func(chunk string)
	onThoughtDone func()
	onCall        func(chunk string)

	state    parserState
	depth    int
	inString bool
	escaped  bool
	thought  strings.Builder
	call     strings.Builder
}

// NewMessageParser creates a parser dispatching to the given callbacks.
// Any callback may be nil.
func NewMessageParser(onThought func(string), onThoughtDone func(), onCall func(string)) *MessageParser {
	return &MessageParser{
		onThought:     onThought,
		onThoughtDone: onThoughtDone,
		onCall:        onCall,
	}
}

// ProcessChunk processes an incoming chunk of streamed content
func (p *MessageParser) ProcessChunk(chunk string) {
	for len(chunk) > 0 {
		switch p.state {
		case stateThought:
			idx := strings.IndexByte(chunk, '{')
			if idx == -1 {
				p.emitThought(chunk)
				return
			}
			p.emitThought(chunk[:idx])
			p.finishThought()
			p.state = stateCall
			chunk = chunk[idx:]

		case stateCall:
			end := p.scanCall(chunk)
			p.call.WriteString(chunk[:end])
			if p.onCall != nil {
				p.onCall(chunk[:end])
			}
			chunk = chunk[end:]
			if p.depth == 0 {
				p.state = stateTrailing
			}

		case stateTrailing:
			return
		}
	}
}

// scanCall returns how many bytes of chunk belong to the call, updating
// the brace depth. String literals are skipped so braces inside them do
// not count.
func (p *MessageParser) scanCall(chunk string) int {
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}
		switch c {
		case '"':
			p.inString = true
		case '{', '[':
			p.depth++
		case '}', ']':
			p.depth--
			if p.depth == 0 {
				return i + 1
			}
		}
	}
	return len(chunk)
}

func (p *MessageParser) emitThought(text string) {
	if text == "" {
		return
	}
	p.thought.WriteString(text)
	if p.onThought != nil {
		p.onThought(text)
	}
}

func (p *MessageParser) finishThought() {
	if p.thought.Len() > 0 && p.onThoughtDone != nil {
		p.onThoughtDone()
	}
}

// Finish signals that streaming is complete. A response with no call
// still closes its thought.
func (p *MessageParser) Finish() {
	if p.state == stateThought {
		p.finishThought()
	}
}

// Thought returns the text seen before the call.
func (p *MessageParser) Thought() string {
	return strings.TrimSpace(p.thought.String())
}

// Call returns the raw JSON call text.
func (p *MessageParser) Call() string {
	return p.call.String()
}

// Complete reports whether a balanced call was seen.
func (p *MessageParser) Complete() bool {
	return p.state == stateTrailing
}
