package session

// Counts is the per-response tally written back onto a session row.
type Counts struct {
	Yes          int `json:"yes"`
	No           int `json:"no"`
	Maybe        int `json:"maybe"`
	Late         int `json:"late"`
	Early        int `json:"early"`
	LateAndEarly int `json:"late_and_early"`
}

// Tally counts the given responses.
func Tally(responses ...Response) Counts {
	var c Counts
	for _, r := range responses {
		c.Add(r)
	}
	return c
}

func (c *Counts) Add(r Response) {
	switch r {
	case ResponseYes:
		c.Yes++
	case ResponseNo:
		c.No++
	case ResponseMaybe:
		c.Maybe++
	case ResponseLate:
		c.Late++
	case ResponseEarly:
		c.Early++
	case ResponseLateAndEarly:
		c.LateAndEarly++
	}
}

// Of returns the count for a single response.
func (c Counts) Of(r Response) int {
	switch r {
	case ResponseYes:
		return c.Yes
	case ResponseNo:
		return c.No
	case ResponseMaybe:
		return c.Maybe
	case ResponseLate:
		return c.Late
	case ResponseEarly:
		return c.Early
	case ResponseLateAndEarly:
		return c.LateAndEarly
	}
	return 0
}

// Confirmed is the number of participants counting toward the minimum.
func (c Counts) Confirmed() int {
	return c.Yes + c.Late + c.Early + c.LateAndEarly
}

func (c Counts) Total() int {
	return c.Confirmed() + c.No + c.Maybe
}
