package model

import (
	"context"
	"errors"
	"fmt"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/domain"
)

// Kind tags the variant held by an Outcome.
type Kind int

const (
	KindText Kind = iota
	KindImageRequest
	KindImage
	KindProfileUpdate
	KindSuppress
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImageRequest:
		return "image_request"
	case KindImage:
		return "image"
	case KindProfileUpdate:
		return "profile_update"
	case KindSuppress:
		return "suppress"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the single interpreted result of a backend call. Only the field
// matching Kind is meaningful.
type Outcome struct {
	Kind    Kind
	Text    string
	Prompt  string
	URL     string
	Profile domain.ProfileUpdate
	Err     error
}

func Text(content string) Outcome { return Outcome{Kind: KindText, Text: content} }

func ImageRequest(prompt string) Outcome { return Outcome{Kind: KindImageRequest, Prompt: prompt} }

func Image(url string) Outcome { return Outcome{Kind: KindImage, URL: url} }

func ProfileUpdate(u domain.ProfileUpdate) Outcome {
	return Outcome{Kind: KindProfileUpdate, Profile: u}
}

func Suppress() Outcome { return Outcome{Kind: KindSuppress} }

// Failure wraps a backend error. A nil err still yields an error outcome.
func Failure(err error) Outcome {
	if err == nil {
		err = errors.New("unknown backend failure")
	}
	return Outcome{Kind: KindError, Err: err}
}

// ErrorText is the user-visible rendering of an error outcome.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return "Error: unknown backend failure"
	}
	return "Error: " + o.Err.Error()
}

// Backend is a language-model provider. Implementations convert every
// transport or provider failure into a KindError outcome.
type Backend interface {
	// Chat runs a chat completion. With allowFunctions false the backend must
	// not offer any function, so the result is Text or Error.
	Chat(ctx context.Context, messages []ctxpkg.Message, allowFunctions bool) Outcome
	// Image generates one image and returns KindImage or KindError.
	Image(ctx context.Context, prompt string) Outcome
}
