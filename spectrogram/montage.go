package spectrogram

import (
	"fmt"
	"strings"
)

// Channel is the index of an electrode in the recording's signal order.
type Channel int

const (
	C3 Channel = iota
	C4
	O1
	O2
	CZ
	F3
	F4
	F7
	F8
	FZ
	FP1
	FP2
	FPZ
	P3
	P4
	PZ
	T3
	T4
	T5
	T6
)

var channelNames = [...]string{
	C3: "C3", C4: "C4", O1: "O1", O2: "O2", CZ: "CZ",
	F3: "F3", F4: "F4", F7: "F7", F8: "F8", FZ: "FZ",
	FP1: "FP1", FP2: "FP2", FPZ: "FPZ",
	P3: "P3", P4: "P4", PZ: "PZ",
	T3: "T3", T4: "T4", T5: "T5", T6: "T6",
}

func (c Channel) String() string {
	if c < 0 || int(c) >= len(channelNames) {
		return fmt.Sprintf("Channel(%d)", int(c))
	}
	return channelNames[c]
}

// Montage is a named bipolar chain. A chain of k channels yields k-1 difference signals.
type Montage struct {
	Name  string
	Chain []Channel
}

// Diffs returns the number of difference signals of the chain.
func (m Montage) Diffs() int {
	return len(m.Chain) - 1
}

// Describe renders the chain as "FP1-F7 F7-T3 ...".
func (m Montage) Describe() string {
	pairs := make([]string, 0, m.Diffs())
	for i := 1; i < len(m.Chain); i++ {
		pairs = append(pairs, m.Chain[i-1].String()+"-"+m.Chain[i].String())
	}
	return strings.Join(pairs, " ")
}

// The four fixed montage groups: left and right lateral and parasagittal chains.
var (
	LL = Montage{Name: "LL", Chain: []Channel{FP1, F7, T3, T5, O1}}
	LP = Montage{Name: "LP", Chain: []Channel{FP1, F3, C3, P3, O1}}
	RP = Montage{Name: "RP", Chain: []Channel{FP2, F4, C4, P4, O2}}
	RL = Montage{Name: "RL", Chain: []Channel{FP2, F8, T4, T6, O2}}
)

// Montages returns every group in display order.
func Montages() []Montage {
	return []Montage{LL, LP, RP, RL}
}

// ParseMontage looks a group up by name, case-insensitively.
func ParseMontage(name string) (Montage, error) {
	for _, m := range Montages() {
		if strings.EqualFold(m.Name, strings.TrimSpace(name)) {
			return m, nil
		}
	}
	return Montage{}, fmt.Errorf("unknown montage group %q", name)
}

// ParseMontages parses a list of group names. An empty list selects every group.
func ParseMontages(names []string) ([]Montage, error) {
	if len(names) == 0 {
		return Montages(), nil
	}
	groups := make([]Montage, 0, len(names))
	for _, name := range names {
		m, err := ParseMontage(name)
		if err != nil {
			return nil, err
		}
		groups = append(groups, m)
	}
	return groups, nil
}
