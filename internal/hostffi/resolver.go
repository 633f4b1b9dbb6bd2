// Package hostffi implements the runtime's built-in import resolver:
// when no external resolver is supplied, imports
// against the simple.os, simple.crypto, simple.db, simple.net, and
// simple.dl modules resolve here. Each module's symbols are host
// functions with small, fixed signatures; dynamic-library symbols
// additionally dispatch through a closed trampoline table keyed by the
// import signature's lanes.
package hostffi

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"simplert/internal/interp"
	"simplert/internal/sbc"
)

// Resolver is the built-in import resolver. One Resolver may back many
// interpreter instances; its registries are locked because host callbacks
// (websocket reads, DB drivers) may touch them from timer goroutines even
// though guest execution itself is single-threaded.
type Resolver struct {
	logger *zap.Logger

	mu    sync.Mutex
	dbs   map[int32]*dbConn
	wss   map[int32]*wsConn
	libs  map[string]uintptr
	next  int32

	// AllowModules restricts resolution to the listed module names when
	// non-empty (the CLI's FFI allow-list flag).
	AllowModules []string
}

// New creates a Resolver. logger may be nil.
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		logger: logger,
		dbs:    map[int32]*dbConn{},
		wss:    map[int32]*wsConn{},
		libs:   map[string]uintptr{},
		next:   1,
	}
}

// Resolve implements interp.Resolver.
func (r *Resolver) Resolve(moduleName, symbolName string, sig sbc.SigRow, paramTypes []uint32) (interp.ImportFunc, error) {
	if len(r.AllowModules) > 0 && !contains(r.AllowModules, moduleName) {
		return nil, errors.Errorf("import module %q is not in the allow list", moduleName)
	}
	var fn interp.ImportFunc
	var err error
	switch moduleName {
	case "simple.os":
		fn, err = r.resolveOS(symbolName)
	case "simple.crypto":
		fn, err = r.resolveCrypto(symbolName)
	case "simple.db":
		fn, err = r.resolveDB(symbolName)
	case "simple.net":
		fn, err = r.resolveNet(symbolName)
	case "simple.dl":
		fn, err = r.resolveDL(symbolName, sig, paramTypes)
	default:
		return nil, errors.Errorf("unknown import module %q", moduleName)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s.%s", moduleName, symbolName)
	}
	r.logger.Debug("import resolved", zap.String("module", moduleName), zap.String("symbol", symbolName))
	return fn, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Resolver) nextHandle() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	return h
}

// argString decodes argument idx as a guest heap string.
func argString(i *interp.Interp, args []interp.Slot, idx int) (string, error) {
	if idx >= len(args) {
		return "", errors.Errorf("missing string argument %d", idx)
	}
	s, ok := i.StringValue(args[idx])
	if !ok {
		return "", errors.Errorf("argument %d is not a string (or is null)", idx)
	}
	return s, nil
}
