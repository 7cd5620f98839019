package common

import "github.com/google/uuid"

// APIVersion is the IoT Hub REST and MQTT api version.
const APIVersion = "2020-09-30"

// EdgeAPIVersion is the edge workload api version.
const EdgeAPIVersion = "2019-11-05"

// GenID returns a random request id.
func GenID() string {
	return uuid.NewString()
}
