package led

import "fmt"

// Rainbow builds a running-light pattern that ramps through red, yellow,
// green, cyan, blue, magenta and back to red. Each of the six ramps moves one
// channel between 0 and brightness-1 in increments of step.
//
// brightness must be in 1..256 and step in 1..brightness.
func Rainbow(brightness, step int) (Sequence, error) {
	if brightness < 1 || brightness > 256 {
		return nil, fmt.Errorf("rainbow brightness %d out of range 1..256", brightness)
	}
	if step < 1 || step > brightness {
		return nil, fmt.Errorf("rainbow step %d out of range 1..%d", step, brightness)
	}

	top := uint8(brightness - 1)
	ramp := make([]uint8, 0, brightness/step)
	for i := step - 1; i < brightness; i += step {
		ramp = append(ramp, uint8(i))
	}

	seq := make(Sequence, 0, 6*len(ramp))
	for _, i := range ramp {
		seq = append(seq, RGB(top, i, 0))
	}
	for _, i := range ramp {
		seq = append(seq, RGB(top-i, top, 0))
	}
	for _, i := range ramp {
		seq = append(seq, RGB(0, top, i))
	}
	for _, i := range ramp {
		seq = append(seq, RGB(0, top-i, top))
	}
	for _, i := range ramp {
		seq = append(seq, RGB(i, 0, top))
	}
	for _, i := range ramp {
		seq = append(seq, RGB(top, 0, top-i))
	}

	return seq, nil
}
