package hostffi

import (
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"simplert/internal/interp"
)

// resolveOS binds the simple.os module's symbols: clock sources, process
// identity, environment, and filesystem stat. Clocks go straight to the
// kernel via x/sys so guest timing does not pay Go runtime timer
// indirection.
func (r *Resolver) resolveOS(symbol string) (interp.ImportFunc, error) {
	switch symbol {
	case "monotonic_nanos":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			var ts unix.Timespec
			if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
				return nil, errors.Wrap(err, "clock_gettime")
			}
			return []interp.Slot{interp.SlotOfI64(ts.Nano())}, nil
		}, nil

	case "wallclock_nanos":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			var ts unix.Timespec
			if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
				return nil, errors.Wrap(err, "clock_gettime")
			}
			return []interp.Slot{interp.SlotOfI64(ts.Nano())}, nil
		}, nil

	case "uuid_new":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{i.StringSlot(uuid.NewString())}, nil
		}, nil

	case "getpid":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			return []interp.Slot{interp.SlotOfI32(int32(os.Getpid()))}, nil
		}, nil

	case "env_get":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			name, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			return []interp.Slot{i.StringSlot(os.Getenv(name))}, nil
		}, nil

	case "fs_size":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			path, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			var st unix.Stat_t
			if err := unix.Stat(path, &st); err != nil {
				return nil, errors.Wrapf(err, "stat %s", path)
			}
			return []interp.Slot{interp.SlotOfI64(st.Size)}, nil
		}, nil

	default:
		return nil, errors.Errorf("unknown symbol %q", symbol)
	}
}
