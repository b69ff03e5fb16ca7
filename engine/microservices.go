package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/franksops/gridconveyor/flow"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/provider"
	"github.com/franksops/gridconveyor/store"
)

// Builtins lists the microservices registered by RegisterBuiltins.
var Builtins = []string{"noop", "log", "require-local-path", "checksum", "abort"}

// RegisterBuiltins adds the built-in microservices to f. local is used by
// the ones that inspect local files.
func RegisterBuiltins(f *flow.Factory, local provider.Provider, buffers *BufferPool, log logging.Logger) error {
	log = logging.OrNop(log)
	ctors := map[string]flow.Constructor{
		"noop": func(map[string]string) (flow.Microservice, error) {
			return flow.Func(func(context.Context, flow.Snapshot) (flow.Result, error) {
				return flow.ResultOK, nil
			}), nil
		},
		"log": func(p map[string]string) (flow.Microservice, error) {
			return logService{log: log, message: p["message"]}, nil
		},
		"require-local-path": func(map[string]string) (flow.Microservice, error) {
			return requireLocalPath{local: local}, nil
		},
		"checksum": func(map[string]string) (flow.Microservice, error) {
			return checksumService{local: local, buffers: buffers, log: log}, nil
		},
		"abort": func(p map[string]string) (flow.Microservice, error) {
			reason := p["reason"]
			if reason == "" {
				reason = "flow forbids this operation"
			}
			return flow.Func(func(context.Context, flow.Snapshot) (flow.Result, error) {
				return flow.ResultAbort, errors.New(reason)
			}), nil
		},
	}
	for _, name := range Builtins {
		if err := f.Register(name, ctors[name]); err != nil {
			return err
		}
	}
	return nil
}

type logService struct {
	log     logging.Logger
	message string
}

func (s logService) Execute(ctx context.Context, snap flow.Snapshot) (flow.Result, error) {
	msg := s.message
	if msg == "" {
		msg = "flow step"
	}
	args := []any{"phase", string(snap.Phase), "id", snap.Descriptor.ID, "type", string(snap.Descriptor.Type)}
	if snap.File != nil {
		args = append(args, "file", snap.File.Source)
	}
	if snap.Err != nil {
		args = append(args, "error", snap.Err, "kind", string(snap.ErrKind))
	}
	s.log.Info(ctx, msg, args...)
	return flow.ResultOK, nil
}

// requireLocalPath aborts uploads whose local source is missing before a
// session is opened.
type requireLocalPath struct {
	local provider.Provider
}

func (s requireLocalPath) Execute(ctx context.Context, snap flow.Snapshot) (flow.Result, error) {
	d := snap.Descriptor
	if d.Type != store.TypePut && d.Type != store.TypeSynchronize {
		return flow.ResultOK, nil
	}
	if _, err := s.local.Stat(ctx, d.LocalPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return flow.ResultAbort, fmt.Errorf("local path %s does not exist", d.LocalPath)
		}
		return flow.ResultAbort, err
	}
	return flow.ResultOK, nil
}

// checksumService logs the CRC64 of each file. After a copy it uses the
// checksum taken while writing; before one it reads the local file.
type checksumService struct {
	local   provider.Provider
	buffers *BufferPool
	log     logging.Logger
}

func (s checksumService) Execute(ctx context.Context, snap flow.Snapshot) (flow.Result, error) {
	file := snap.File
	if file == nil {
		return flow.ResultOK, nil
	}
	if file.HasChecksum {
		s.log.Info(ctx, "file checksum", "id", snap.Descriptor.ID, "file", file.Destination,
			"bytes", file.Written, "crc64", fmt.Sprintf("%016x", file.Checksum))
		return flow.ResultOK, nil
	}
	if file.Local == "" {
		return flow.ResultOK, nil
	}
	sum, err := FileChecksum(ctx, s.local, file.Local, s.buffers)
	if err != nil {
		return flow.ResultAbort, err
	}
	s.log.Info(ctx, "file checksum", "id", snap.Descriptor.ID, "file", file.Local, "crc64", fmt.Sprintf("%016x", sum))
	return flow.ResultOK, nil
}
