package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/cnclabs/dam/internal/models/dam"
	"github.com/cnclabs/dam/internal/server"
)

func main() {
	modelPath := flag.String("model_path", "", "Checkpoint directory to serve")
	addr := flag.String("addr", ":8080", "Listen address")
	eos := flag.Int("_EOS_", -1, "The id for the end of sentence in vocabulary (default: the id recorded in the checkpoint)")
	threads := flag.Int("threads", 0, "Scoring workers (default $CPU_NUM or the number of CPUs)")

	flag.Usage = func() {
		fmt.Println("[DAM-Go]")
		fmt.Println("\tServe response matching scores over HTTP")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  ./dam-server -model_path saved_models/step_1000 -addr :8080")
		fmt.Println()
		fmt.Println("Request:")
		fmt.Println(`  POST /score {"context": [[12, 7, 9], [31, 4]], "responses": [[5, 6], [8]]}`)
	}

	flag.Parse()

	if *modelPath == "" {
		fmt.Println("Error: -model_path is required")
		flag.Usage()
		os.Exit(1)
	}

	model, manifest, _, err := dam.Load(*modelPath)
	if err != nil {
		fmt.Printf("Error loading model: %v\n", err)
		os.Exit(1)
	}
	model.PrintSetting()

	data := manifest.DataConf()
	if *eos >= 0 {
		data.EOS = *eos
	}
	fmt.Printf("\t_EOS_:\t\t\t%d\n", data.EOS)

	srv := server.New(model, data, dam.DeviceCount(*threads))
	log.Printf("serving checkpoint step %d (run %s) on %s", manifest.Step, manifest.RunID, *addr)
	if err := http.ListenAndServe(*addr, srv.Router); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
