package hostffi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"simplert/internal/interp"
)

// resolveCrypto binds the simple.crypto module: string-in/hex-string-out
// digests and MACs, a concrete FFI family distinct from the dl_call
// scalar trampolines.
func (r *Resolver) resolveCrypto(symbol string) (interp.ImportFunc, error) {
	digest1 := func(sum func([]byte) []byte) interp.ImportFunc {
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			msg, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			return []interp.Slot{i.StringSlot(hex.EncodeToString(sum([]byte(msg))))}, nil
		}
	}

	switch symbol {
	case "sha256_sum":
		return digest1(func(b []byte) []byte {
			s := sha256.Sum256(b)
			return s[:]
		}), nil

	case "sha3_256_sum":
		return digest1(func(b []byte) []byte {
			s := sha3.Sum256(b)
			return s[:]
		}), nil

	case "blake2b_sum":
		return digest1(func(b []byte) []byte {
			s := blake2b.Sum256(b)
			return s[:]
		}), nil

	case "hmac_sign":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			key, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			msg, err := argString(i, args, 1)
			if err != nil {
				return nil, err
			}
			mac := hmac.New(sha256.New, []byte(key))
			mac.Write([]byte(msg))
			return []interp.Slot{i.StringSlot(hex.EncodeToString(mac.Sum(nil)))}, nil
		}, nil

	default:
		return nil, errors.Errorf("unknown symbol %q", symbol)
	}
}
