package utils

// bucketFunctions maps the stats intervals accepted by the API to the
// ClickHouse function truncating a timestamp to that interval.
var bucketFunctions = map[string]string{
	"Minute":  "toStartOfMinute",
	"Hour":    "toStartOfHour",
	"Day":     "toStartOfDay",
	"Week":    "toStartOfWeek",
	"Month":   "toStartOfMonth",
	"Quarter": "toStartOfQuarter",
	"Year":    "toStartOfYear",
}

// BucketFunction returns the ClickHouse bucketing function for interval.
func BucketFunction(interval string) (string, bool) {
	fn, ok := bucketFunctions[interval]
	return fn, ok
}

func IsValidInterval(interval string) bool {
	_, ok := bucketFunctions[interval]
	return ok
}
