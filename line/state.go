package line

import (
	"encoding/json"
	"net/url"
	"strings"
)

// maxStateDecodes bounds how many percent-decoding rounds DecodeState tries.
// Intermediaries encode the state at most twice.
const maxStateDecodes = 2

// State is the payload carried through the OAuth state parameter.
type State struct {
	ReturnURL string `json:"returnUrl"`
}

// EncodeState serializes returnURL as percent-encoded JSON.
func EncodeState(returnURL string) string {
	data, _ := json.Marshal(State{ReturnURL: returnURL})
	return url.QueryEscape(string(data))
}

// DecodeState parses a state parameter. It tries JSON first and, on failure,
// percent-decodes and tries again, up to maxStateDecodes times. Anything
// still unparseable yields the zero State.
func DecodeState(raw string) State {
	candidate := strings.TrimSpace(raw)
	for i := 0; ; i++ {
		var s State
		if err := json.Unmarshal([]byte(candidate), &s); err == nil {
			return s
		}
		if i == maxStateDecodes {
			return State{}
		}
		decoded, err := url.QueryUnescape(candidate)
		if err != nil || decoded == candidate {
			return State{}
		}
		candidate = decoded
	}
}
