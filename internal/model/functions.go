package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stupiduntilnot/chatrelay/internal/domain"
)

// Function names offered to the model.
const (
	FuncImageRequest  = "image_request"
	FuncUserUpdate    = "user_update"
	FuncIgnoreMessage = "ignore_message"
)

// Function describes one callable function in JSON-schema terms, shared by
// every backend.
type Function struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

var imageRequestFunction = Function{
	Name:        FuncImageRequest,
	Description: "Generate an image when the user explicitly asks for a picture, drawing or photo.",
	Parameters: json.RawMessage(`{
		"type":"object",
		"properties":{
			"prompt":{"type":"string","description":"Detailed description of the image to generate."}
		},
		"required":["prompt"]
	}`),
}

var userUpdateFunction = Function{
	Name:        FuncUserUpdate,
	Description: "Record personal details the user shares about themselves. Only include fields the user stated.",
	Parameters: json.RawMessage(`{
		"type":"object",
		"properties":{
			"nickname":{"type":"string","description":"What the user wants to be called."},
			"pronouns":{"type":"string","description":"The user's pronouns."},
			"age":{"type":"string","description":"The user's age."},
			"likes":{"type":"string","description":"Comma separated things the user likes."},
			"dislikes":{"type":"string","description":"Comma separated things the user dislikes."}
		}
	}`),
}

var ignoreMessageFunction = Function{
	Name:        FuncIgnoreMessage,
	Description: "Call when the message is not directed at you and needs no reply.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
}

// Functions returns the declarations for one chat request.
func Functions(allowSuppress bool) []Function {
	fns := []Function{imageRequestFunction, userUpdateFunction}
	if allowSuppress {
		fns = append(fns, ignoreMessageFunction)
	}
	return fns
}

type imageArgs struct {
	Prompt string `json:"prompt"`
}

// ErrMalformedCall reports function-call arguments that could not be decoded.
var ErrMalformedCall = errors.New("malformed function call")

// DecodeFunctionCall turns a function call into an Outcome. Arguments that do
// not decode, unknown names, and empty payloads fall back to a text reply of
// content when there is any, otherwise to an error outcome.
func DecodeFunctionCall(name, arguments, content string) Outcome {
	out, err := decodeCall(strings.TrimSpace(name), arguments)
	if err == nil {
		return out
	}
	if strings.TrimSpace(content) != "" {
		return Text(strings.TrimSpace(content))
	}
	return Failure(err)
}

func decodeCall(name, arguments string) (Outcome, error) {
	raw := strings.TrimSpace(arguments)
	if raw == "" {
		raw = "{}"
	}
	switch name {
	case FuncImageRequest:
		var args imageArgs
		if err := strictDecode(raw, &args); err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %v", ErrMalformedCall, name, err)
		}
		if strings.TrimSpace(args.Prompt) == "" {
			return Outcome{}, fmt.Errorf("%w: %s: empty prompt", ErrMalformedCall, name)
		}
		return ImageRequest(strings.TrimSpace(args.Prompt)), nil
	case FuncUserUpdate:
		u, err := decodeProfile(raw)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %s: %v", ErrMalformedCall, name, err)
		}
		return ProfileUpdate(u), nil
	case FuncIgnoreMessage:
		return Suppress(), nil
	default:
		return Outcome{}, fmt.Errorf("%w: unknown function %q", ErrMalformedCall, name)
	}
}

func strictDecode(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple JSON values")
	}
	return nil
}

// decodeProfile accepts strings or numbers for every field since models
// routinely send age as a number. null leaves the field unset.
func decodeProfile(raw string) (domain.ProfileUpdate, error) {
	var fields map[string]json.RawMessage
	if err := strictDecode(raw, &fields); err != nil {
		return domain.ProfileUpdate{}, err
	}
	var u domain.ProfileUpdate
	targets := map[string]**string{
		"nickname": &u.Nickname,
		"pronouns": &u.Pronouns,
		"age":      &u.Age,
		"likes":    &u.Likes,
		"dislikes": &u.Dislikes,
	}
	for key, value := range fields {
		target, ok := targets[key]
		if !ok {
			return domain.ProfileUpdate{}, fmt.Errorf("unknown field %q", key)
		}
		s, set, err := scalarString(value)
		if err != nil {
			return domain.ProfileUpdate{}, fmt.Errorf("field %q: %w", key, err)
		}
		if set {
			*target = &s
		}
	}
	return u, nil
}

func scalarString(raw json.RawMessage) (string, bool, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, err
	}
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	default:
		return "", false, errors.New("expected a string")
	}
}

// DecodeFunctionArgs is DecodeFunctionCall for backends that hand over
// arguments as an already-parsed map.
func DecodeFunctionArgs(name string, args map[string]any, content string) Outcome {
	raw, err := json.Marshal(args)
	if err != nil {
		if strings.TrimSpace(content) != "" {
			return Text(strings.TrimSpace(content))
		}
		return Failure(fmt.Errorf("%w: %s: %v", ErrMalformedCall, name, err))
	}
	return DecodeFunctionCall(name, string(raw), content)
}
