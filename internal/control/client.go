package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
)

// Send delivers req to the daemon at addr and returns its reply. A reply
// flagged as a failure comes back as an ErrDaemonResponded error.
func Send(ctx context.Context, addr string, req Request) (string, error) {
	errFactory := errors.New()

	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", addr)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrOperationFailed, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", errFactory.Wrap(errors.ErrOperationFailed, err)
		}
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return "", errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	reply := strings.TrimSuffix(string(data), "\n")
	if detail, ok := strings.CutPrefix(reply, ErrorPrefix); ok {
		return "", errFactory.WithMessage(errors.ErrDaemonResponded, detail)
	}

	return reply, nil
}
