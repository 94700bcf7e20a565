package exchange

import "fmt"

// enforceLimits checks the ingested fields against the configured ceilings.
// It is shared by every strategy that produces fields.
func (x *Exchange) enforceLimits() error {
	if limit := x.cfg.MaxFields; limit > 0 && len(x.post) > limit {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFields, len(x.post), limit)
	}

	if limit := x.cfg.MaxFieldsSize; limit > 0 {
		for name, value := range x.post {
			if int64(len(value)) > limit {
				return fmt.Errorf("%w: %q is %d bytes", ErrFieldTooLarge, name, len(value))
			}
		}
	}

	return nil
}
