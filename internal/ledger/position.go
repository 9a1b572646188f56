package ledger

import (
	fpmath "LendLedger/internal/math"
	"encoding/binary"
	"fmt"
)

// RecordSize is the persisted length of a position:
// [initialized u8][deposits u64 LE][borrowed u64 LE].
const RecordSize = 17

// Position is one account's collateral and debt, in base units.
type Position struct {
	Deposits uint64 `json:"deposits"`
	Borrowed uint64 `json:"borrowed"`
}

// Health classifies a position against the two ratios.
type Health uint8

const (
	// HealthHealthy: deposits cover 150% of debt.
	HealthHealthy Health = iota
	// HealthStressed: under 150% but at or above 110%.
	HealthStressed
	// HealthLiquidatable: under 110%, open to third-party liquidation.
	HealthLiquidatable
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthStressed:
		return "stressed"
	case HealthLiquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(text []byte) error {
	for _, c := range []Health{HealthHealthy, HealthStressed, HealthLiquidatable} {
		if c.String() == string(text) {
			*h = c
			return nil
		}
	}
	return fmt.Errorf("unknown health %q", text)
}

// Solvent reports whether the position satisfies the collateral ratio.
func (p Position) Solvent() bool {
	return fpmath.CollateralRatio.Meets(p.Deposits, p.Borrowed)
}

// Liquidatable reports whether the position is strictly under the
// liquidation threshold. A position with no debt never is.
func (p Position) Liquidatable() bool {
	return fpmath.LiquidationThreshold.Below(p.Deposits, p.Borrowed)
}

func (p Position) Health() Health {
	switch {
	case p.Solvent():
		return HealthHealthy
	case p.Liquidatable():
		return HealthLiquidatable
	default:
		return HealthStressed
	}
}

func (p Position) IsZero() bool {
	return p.Deposits == 0 && p.Borrowed == 0
}

func (p Position) String() string {
	return fmt.Sprintf("{deposits=%d borrowed=%d}", p.Deposits, p.Borrowed)
}

// MarshalBinary encodes the 17-byte record. The initialized flag is always set.
func (p Position) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	buf[0] = 1
	binary.LittleEndian.PutUint64(buf[1:9], p.Deposits)
	binary.LittleEndian.PutUint64(buf[9:17], p.Borrowed)
	return buf, nil
}

// UnmarshalBinary decodes a 17-byte record. An uninitialized record decodes
// as the zero position.
func (p *Position) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w: corrupt position record: length %d", ErrStorageFailure, len(data))
	}
	switch data[0] {
	case 0:
		*p = Position{}
	case 1:
		p.Deposits = binary.LittleEndian.Uint64(data[1:9])
		p.Borrowed = binary.LittleEndian.Uint64(data[9:17])
	default:
		return fmt.Errorf("%w: corrupt position record: flag %d", ErrStorageFailure, data[0])
	}
	return nil
}
