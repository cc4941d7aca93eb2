package bus

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Sim answers reads with plausible jittered values, one generator per port.
// Fixed responses and failures can be injected per address.
type Sim struct {
	mu        sync.Mutex
	rng       *rand.Rand
	gens      map[string]func(*rand.Rand) string
	responses map[string]string
	failures  map[string]error
	reads     []string
}

// NewSim serves the default ports "1".."5" in cycle order: conductivity, ORP,
// pH, dissolved oxygen, temperature.
func NewSim(seed uint64) *Sim {
	return &Sim{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		gens: map[string]func(*rand.Rand) string{
			"1": func(r *rand.Rand) string {
				ec := 52400 + r.NormFloat64()*150
				return fmt.Sprintf("%.2f,%d,%.2f,%.3f", ec, int(ec*0.64), 34.3+r.NormFloat64()*0.05, 1.024)
			},
			"2": func(r *rand.Rand) string { return fmt.Sprintf("%.1f", 225+r.NormFloat64()*2) },
			"3": func(r *rand.Rand) string { return fmt.Sprintf("%.3f", 8.1+r.NormFloat64()*0.01) },
			"4": func(r *rand.Rand) string { return fmt.Sprintf("%.2f", 7.9+r.NormFloat64()*0.05) },
			"5": func(r *rand.Rand) string { return fmt.Sprintf("%.3f", 18.5+r.NormFloat64()*0.02) },
		},
		responses: map[string]string{},
		failures:  map[string]error{},
	}
}

// SetResponse makes every read at address return raw.
func (s *Sim) SetResponse(address, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[address] = raw
	delete(s.failures, address)
}

// Fail makes every read at address fail with err.
func (s *Sim) Fail(address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[address] = err
}

// Reads returns the addresses read so far, in order.
func (s *Sim) Reads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reads...)
}

func (s *Sim) Read(address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	address = strings.TrimSpace(address)
	s.reads = append(s.reads, address)

	if err, ok := s.failures[address]; ok {
		return "", newError(address, err)
	}
	if raw, ok := s.responses[address]; ok {
		return raw, nil
	}
	if gen, ok := s.gens[address]; ok {
		return gen(s.rng), nil
	}
	return "", newError(address, ErrNoDevice)
}

var _ Client = (*Sim)(nil)
