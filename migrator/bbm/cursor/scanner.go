package cursor

import (
	"time"

	"github.com/google/uuid"
)

// Scanner provides typed scan destinations for a row of key columns and converts them back to Values.
type Scanner struct {
	shape Shape
	dest  []any
}

// NewScanner returns a Scanner for rows of the given shape.
func NewScanner(shape Shape) *Scanner {
	s := &Scanner{shape: shape, dest: make([]any, len(shape))}
	for i, k := range shape {
		switch k {
		case KindInt:
			s.dest[i] = new(int64)
		case KindTime:
			s.dest[i] = new(time.Time)
		case KindUUID:
			s.dest[i] = new(uuid.UUID)
		default:
			s.dest[i] = new(string)
		}
	}
	return s
}

// Dest returns the destinations to pass to sql.Row.Scan.
func (s *Scanner) Dest() []any {
	return s.dest
}

// Values returns the last scanned row.
func (s *Scanner) Values() []Value {
	values := make([]Value, len(s.shape))
	for i, d := range s.dest {
		switch v := d.(type) {
		case *int64:
			values[i] = Int(*v)
		case *time.Time:
			values[i] = Time(*v)
		case *uuid.UUID:
			values[i] = UUID(*v)
		case *string:
			values[i] = String(*v)
		}
	}
	return values
}

// Cursor encodes the last scanned row.
func (s *Scanner) Cursor() (Cursor, error) {
	return Encode(s.Values())
}
