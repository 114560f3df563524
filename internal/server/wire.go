package server

import (
	"encoding/json"
	"fmt"
)

// The wire protocol is line-delimited JSON. A request is an array of
// string tokens, command name first. A reply is either a bare JSON string
// or, for report downloads, an object carrying a base64 blob.

type blobReply struct {
	Controller string `json:"controller"`
	Text       string `json:"text,omitempty"`
	Blob       []byte `json:"blob"`
}

func decodeRequest(line []byte) ([]string, error) {
	var tokens []string
	if err := json.Unmarshal(line, &tokens); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty request")
	}
	return tokens, nil
}

func encodeText(text string) ([]byte, error) {
	data, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func encodeBlob(controller, text string, blob []byte) ([]byte, error) {
	data, err := json.Marshal(blobReply{Controller: controller, Text: text, Blob: blob})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
