// Package launch turns click actions into opaque handles stored on records.
// notifd never interprets a handle after creation; the shell that renders
// the notification hands it back to whoever launches the target.
package launch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"notifd/internal/codec"
)

// Action describes what a click opens.
type Action struct {
	Bundle  string
	Ability string
	URI     string
	Params  map[string]string
}

// Handle is an opaque launch token.
type Handle []byte

type Resolver interface {
	Resolve(ctx context.Context, a Action) (Handle, error)
}

var ErrInvalidAction = errors.New("launch: invalid action")

type wireAction struct {
	_       struct{} `cbor:",toarray"`
	Version uint8
	Bundle  string
	Ability string
	URI     string
	Params  map[string]string
}

const wireVersion = 1

// CodecResolver encodes the action itself into the handle.
type CodecResolver struct{}

func (CodecResolver) Resolve(ctx context.Context, a Action) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Bundle) == "" && strings.TrimSpace(a.URI) == "" {
		return nil, fmt.Errorf("%w: bundle or uri required", ErrInvalidAction)
	}
	b, err := codec.Marshal(wireAction{Version: wireVersion, Bundle: a.Bundle, Ability: a.Ability, URI: a.URI, Params: a.Params})
	if err != nil {
		return nil, err
	}
	return Handle(b), nil
}

// Decode recovers the action from a handle made by CodecResolver.
func Decode(h Handle) (Action, error) {
	var w wireAction
	if err := codec.Unmarshal(h, &w); err != nil {
		return Action{}, err
	}
	if w.Version != wireVersion {
		return Action{}, fmt.Errorf("%w: unsupported handle version %d", ErrInvalidAction, w.Version)
	}
	return Action{Bundle: w.Bundle, Ability: w.Ability, URI: w.URI, Params: w.Params}, nil
}
