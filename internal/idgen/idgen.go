package idgen

import (
	"errors"
	"time"

	"github.com/sony/sonyflake"
)

// Generator hands out unique, time ordered int64 ids.
type Generator interface {
	NextID() (int64, error)
}

type Sonyflake struct {
	sf *sonyflake.Sonyflake
}

// New builds a sonyflake generator. machineID 0 lets sonyflake derive it from
// the private IP.
func New(machineID uint16) (*Sonyflake, error) {
	st := sonyflake.Settings{StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if machineID > 0 {
		st.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil, errors.New("sonyflake init failed")
	}
	return &Sonyflake{sf: sf}, nil
}

func (s *Sonyflake) NextID() (int64, error) {
	id, err := s.sf.NextID()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}
