// Command kafkaproduce is the one-shot produce action's process
// entrypoint. It reads a JSON parameter object from argv[1] and writes
// {"success":true,"message":"..."} or {"error":"..."} to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kerrors"
	"github.com/openwhisk/openwhisk-package-kafka/internal/producer"
)

func main() {
	if len(os.Args) < 2 {
		printError(kerrors.New(kerrors.KindValidation, "missing action parameters argument"))
		os.Exit(1)
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(os.Args[1]), &params); err != nil {
		printError(kerrors.Wrap(kerrors.KindValidation, err, "failed to parse parameters as JSON"))
		os.Exit(1)
	}

	req, err := producer.ParseRequest(params)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	cache := producer.NewCache(producer.DefaultCapacity)
	defer cache.Close()

	result, err := producer.Produce(cache, req)
	if err != nil {
		printError(err)
		os.Exit(1)
	}

	msg := fmt.Sprintf("Successfully sent message to %s:%d at offset %d", result.Topic, result.Partition, result.Offset)
	json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"success": true, "message": msg})
}

func printError(err error) {
	json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"error": err.Error()})
}
