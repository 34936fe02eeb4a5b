package collective

// Op selects the reduction applied by an all-reduce.
type Op int

const (
	Sum Op = iota
	Mean
	Max
	Min
)

func (o Op) String() string {
	switch o {
	case Sum:
		return "SUM"
	case Mean:
		return "MEAN"
	case Max:
		return "MAX"
	case Min:
		return "MIN"
	default:
		return "UNKNOWN"
	}
}
