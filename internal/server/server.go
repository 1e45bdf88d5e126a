// Package server exposes the handler over a Unix control socket. Requests
// and responses are CBOR maps; a connection may carry any number of
// request-response pairs and ends when the client closes it.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/gpu"
	"codeberg.org/mutker/gpuctld/internal/handler"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"codeberg.org/mutker/gpuctld/internal/metrics"
	"github.com/fxamacker/cbor/v2"
)

const (
	socketPerm     = 0o660
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler is the part of the daemon state the socket can reach.
type Handler interface {
	Devices() []gpu.Info
	DeviceStats(id string) (gpu.Stats, error)
	SetFanControl(ctx context.Context, id string, req handler.FanControl) error
	SetPowerCap(ctx context.Context, id string, watts *float64) error
	ReloadGPUs(ctx context.Context)
	FanHistory(ctx context.Context, id string, limit int) ([]metrics.Sample, error)
}

type actionFunc func(ctx context.Context, h Handler, raw []byte) (any, error)

var actions = map[string]actionFunc{
	ActionPing: func(context.Context, Handler, []byte) (any, error) {
		return nil, nil
	},
	ActionListDevices: func(_ context.Context, h Handler, _ []byte) (any, error) {
		return h.Devices(), nil
	},
	ActionDeviceStats: func(_ context.Context, h Handler, raw []byte) (any, error) {
		var req deviceRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		stats, err := h.DeviceStats(req.ID)
		if err != nil {
			return nil, err
		}
		return stats, nil
	},
	ActionSetFanControl: func(ctx context.Context, h Handler, raw []byte) (any, error) {
		var req FanControlRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		return nil, h.SetFanControl(ctx, req.ID, req.toHandler())
	},
	ActionSetPowerCap: func(ctx context.Context, h Handler, raw []byte) (any, error) {
		var req PowerCapRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		return nil, h.SetPowerCap(ctx, req.ID, req.Watts)
	},
	ActionReloadGPUs: func(ctx context.Context, h Handler, _ []byte) (any, error) {
		h.ReloadGPUs(ctx)
		return nil, nil
	},
	ActionFanHistory: func(ctx context.Context, h Handler, raw []byte) (any, error) {
		var req FanHistoryRequest
		if err := decodeParams(raw, &req); err != nil {
			return nil, err
		}
		if req.Limit <= 0 {
			req.Limit = defaultHistoryLimit
		}
		samples, err := h.FanHistory(ctx, req.ID, req.Limit)
		if err != nil {
			return nil, err
		}
		return samples, nil
	},
}

func decodeParams(raw []byte, v any) error {
	if err := cbor.Unmarshal(raw, v); err != nil {
		return errors.New().Wrap(ErrInvalidRequest, err)
	}
	return nil
}

// Server accepts connections on a Unix socket.
type Server struct {
	path     string
	handler  Handler
	listener net.Listener

	active sync.WaitGroup
}

// Listen binds the socket at path, replacing a stale one. The socket is
// made group accessible and, when adminGroup is set, owned by that group.
func Listen(path, adminGroup string, h Handler) (*Server, error) {
	errFactory := errors.New()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errFactory.Wrap(ErrListenFailed, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, errFactory.Wrap(ErrListenFailed, err)
	}

	if err := os.Chmod(path, socketPerm); err != nil {
		listener.Close()
		return nil, errFactory.Wrap(ErrListenFailed, err)
	}

	if adminGroup != "" {
		if err := chownGroup(path, adminGroup); err != nil {
			listener.Close()
			return nil, errFactory.Wrap(ErrListenFailed, err)
		}
	}

	logger.Info().Str("path", path).Msg("Control socket listening")

	return &Server{path: path, handler: h, listener: listener}, nil
}

func chownGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("group %s: invalid gid %q", group, g.Gid)
	}

	return os.Chown(path, -1, gid)
}

// Path is the socket file.
func (s *Server) Path() string {
	return s.path
}

// Serve handles connections until ctx is done, then waits for the open
// connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			delay = acceptBackoff(delay)
			logger.Error().Err(err).Dur("retry_in", delay).Msg("Accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer conn.Close()

			// Unblock the decoder when the daemon stops.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()

			if err := HandleStream(ctx, conn, s.handler); err != nil {
				logger.Debug().Err(err).Msg("Client stream ended with an error")
			}
		}()
	}

	s.active.Wait()

	return nil
}

// acceptBackoff doubles the wait after each consecutive Accept failure,
// for example when the process is out of file descriptors.
func acceptBackoff(previous time.Duration) time.Duration {
	if previous == 0 {
		return minAcceptDelay
	}
	if next := previous * 2; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	s.listener.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HandleStream serves requests from rw until it reaches EOF. A request
// that cannot be decoded ends the stream after an error response.
func HandleStream(ctx context.Context, rw io.ReadWriter, h Handler) error {
	dec := cbor.NewDecoder(rw)
	enc := cbor.NewEncoder(rw)

	for {
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			_ = enc.Encode(Response{Error: fmt.Sprintf("invalid request: %v", err)})
			return errors.New().Wrap(ErrInvalidRequest, err)
		}

		if err := enc.Encode(dispatch(ctx, h, raw)); err != nil {
			return errors.New().Wrap(ErrEncodeFailed, err)
		}
	}
}

func dispatch(ctx context.Context, h Handler, raw []byte) Response {
	var hdr header
	if err := cbor.Unmarshal(raw, &hdr); err != nil {
		return Response{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if hdr.Action == "" {
		return Response{Error: "missing required field: action"}
	}

	action, ok := actions[hdr.Action]
	if !ok {
		return Response{Error: fmt.Sprintf("unknown action %q", hdr.Action)}
	}

	result, err := action(ctx, h, raw)
	if err != nil {
		logger.Debug().Str("action", hdr.Action).Err(err).Msg("Action failed")
		return Response{Error: err.Error()}
	}

	resp := Response{OK: true}
	if result != nil {
		data, err := cbor.Marshal(result)
		if err != nil {
			return Response{Error: fmt.Sprintf("internal: encoding response: %v", err)}
		}
		resp.Data = data
	}

	return resp
}
