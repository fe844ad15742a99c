// Package control implements the local control socket: one JSON request line
// in, plain text out.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/hardware"
)

// ErrorPrefix marks a reply line that carries a failure.
const ErrorPrefix = "error from daemon: "

type Kind string

const (
	KindInfo         Kind = "Info"
	KindDump         Kind = "Dump"
	KindApply        Kind = "Apply"
	KindRestore      Kind = "Restore"
	KindThrottleInfo Kind = "ThrottleInfo"
	KindHistory      Kind = "History"
)

// Request is a tagged control request. Unit requests encode as a bare string
// ("Info"), the others as a single-key object ({"Apply":{"path":"x"}}).
type Request struct {
	Kind    Kind
	Path    string
	Targets []hardware.ThrottleTarget
	Limit   int
}

type applyBody struct {
	Path string `json:"path"`
}

type throttleBody struct {
	Targets []hardware.ThrottleTarget `json:"targets"`
}

type historyBody struct {
	Limit int `json:"limit"`
}

func Info() Request    { return Request{Kind: KindInfo} }
func Dump() Request    { return Request{Kind: KindDump} }
func Restore() Request { return Request{Kind: KindRestore} }

func Apply(path string) Request {
	return Request{Kind: KindApply, Path: path}
}

func ThrottleInfo(targets ...hardware.ThrottleTarget) Request {
	if targets == nil {
		targets = []hardware.ThrottleTarget{}
	}
	return Request{Kind: KindThrottleInfo, Targets: targets}
}

func History(limit int) Request {
	return Request{Kind: KindHistory, Limit: limit}
}

func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindInfo, KindDump, KindRestore:
		return json.Marshal(string(r.Kind))
	case KindApply:
		return json.Marshal(map[Kind]applyBody{r.Kind: {Path: r.Path}})
	case KindThrottleInfo:
		targets := r.Targets
		if targets == nil {
			targets = []hardware.ThrottleTarget{}
		}
		return json.Marshal(map[Kind]throttleBody{r.Kind: {Targets: targets}})
	case KindHistory:
		return json.Marshal(map[Kind]historyBody{r.Kind: {Limit: r.Limit}})
	default:
		return nil, errors.New().WithData(errors.ErrUnknownRequest, string(r.Kind))
	}
}

func (r *Request) UnmarshalJSON(data []byte) error {
	errFactory := errors.New()

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var kind Kind
		if err := json.Unmarshal(data, &kind); err != nil {
			return errFactory.Wrap(errors.ErrInvalidRequest, err)
		}
		switch kind {
		case KindInfo, KindDump, KindRestore:
			*r = Request{Kind: kind}
			return nil
		case KindApply, KindThrottleInfo, KindHistory:
			return errFactory.WithData(errors.ErrInvalidRequest, fmt.Sprintf("%s requires arguments", kind))
		default:
			return errFactory.WithData(errors.ErrUnknownRequest, string(kind))
		}
	}

	var tagged map[Kind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return errFactory.Wrap(errors.ErrInvalidRequest, err)
	}
	if len(tagged) != 1 {
		return errFactory.WithData(errors.ErrInvalidRequest, fmt.Sprintf("expected exactly one request, got %d", len(tagged)))
	}

	for kind, body := range tagged {
		req := Request{Kind: kind}
		var err error
		switch kind {
		case KindApply:
			var b applyBody
			err = json.Unmarshal(body, &b)
			req.Path = b.Path
		case KindThrottleInfo:
			var b throttleBody
			err = json.Unmarshal(body, &b)
			req.Targets = b.Targets
		case KindHistory:
			var b historyBody
			err = json.Unmarshal(body, &b)
			req.Limit = b.Limit
		case KindInfo, KindDump, KindRestore:
			// unit requests may also arrive as {"Info":null}
		default:
			return errFactory.WithData(errors.ErrUnknownRequest, string(kind))
		}
		if err != nil {
			return errFactory.Wrap(errors.ErrInvalidRequest, err)
		}
		*r = req
	}

	return nil
}

// Handler executes decoded requests.
type Handler interface {
	Info() (string, error)
	Dump() (string, error)
	Apply(path string) (string, error)
	Restore() (string, error)
	Throttle(targets []hardware.ThrottleTarget) (string, error)
	History(ctx context.Context, limit int) (string, error)
}

// Dispatch runs req against h.
func Dispatch(ctx context.Context, h Handler, req Request) (string, error) {
	switch req.Kind {
	case KindInfo:
		return h.Info()
	case KindDump:
		return h.Dump()
	case KindApply:
		if req.Path == "" {
			return "", errors.New().WithMessage(errors.ErrInvalidRequest, "Apply requires a path")
		}
		return h.Apply(req.Path)
	case KindRestore:
		return h.Restore()
	case KindThrottleInfo:
		return h.Throttle(req.Targets)
	case KindHistory:
		return h.History(ctx, req.Limit)
	default:
		return "", errors.New().WithData(errors.ErrUnknownRequest, string(req.Kind))
	}
}
