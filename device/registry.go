package device

// DetectOrder controls the relative order in which a driver's Probe
// function is invoked during device detection.
type DetectOrder int

// The supported detection order values, from earliest to latest.
const (
	DetectOrderEarly DetectOrder = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo describes a driver that wants to participate in device
// detection: Probe is invoked in DetectOrder order and returns a Driver
// instance if the underlying hardware/firmware is present, or nil
// otherwise.
type DriverInfo struct {
	Order DetectOrder
	Probe func() Driver
}

// DriverInfoList implements sort.Interface, ordering by DetectOrder.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers considered during device
// detection. Packages that implement a detectable device call this from an
// init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the currently registered driver probes.
func DriverList() DriverInfoList {
	return registeredDrivers
}
