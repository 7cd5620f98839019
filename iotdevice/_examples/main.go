package main

import (
	"context"
	"log"
	"os"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport/mqtt"
)

func main() {
	s, err := iotdevice.NewFromConnectionString(context.Background(), mqtt.New(),
		os.Getenv("DEVICE_CONNECTION_STRING"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	msg, err := common.NewMessageFromString("hello")
	if err != nil {
		log.Fatal(err)
	}
	if err = msg.Properties().Add("foo", "bar"); err != nil {
		log.Fatal(err)
	}

	// send a device-to-cloud message and wait for the confirmation
	done := make(chan iotdevice.ConfirmationResult, 1)
	if err = s.SendEventAsync(msg, func(_ *common.Message, r iotdevice.ConfirmationResult, _ interface{}) {
		done <- r
	}, nil); err != nil {
		log.Fatal(err)
	}
	if r := <-done; r != iotdevice.ConfirmationOK {
		log.Fatalf("send failed: %s", r)
	}
}
