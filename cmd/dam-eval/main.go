package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cnclabs/dam/internal/models/dam"
	"github.com/cnclabs/dam/pkg/evaluation"
)

func main() {
	score := flag.String("score", "", "Score file (score <TAB> label per line)")
	extEval := flag.Bool("ext_eval", false, "If set, use MAP, MRR etc for evaluation")
	out := flag.String("out", "", "Write the metrics, one per line, to this file")

	flag.Usage = func() {
		fmt.Println("[DAM-Go]")
		fmt.Println("\tEvaluate a response selection score file")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  ./dam-eval -score saved_models/score.1000 -out saved_models/result.1000")
		fmt.Println()
		fmt.Println("Input Format:")
		fmt.Println("  score <TAB> label, ten consecutive lines per context")
	}

	flag.Parse()

	if *score == "" {
		fmt.Println("Error: -score is required")
		flag.Usage()
		os.Exit(1)
	}

	var (
		metrics []float64
		err     error
	)
	if *extEval {
		metrics, err = evaluation.EvaluateDouban(*score)
	} else {
		metrics, err = evaluation.Evaluate(*score)
	}
	if err != nil {
		fmt.Printf("Error evaluating: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Result:")
	dam.PrintMetrics(metrics, *extEval)

	if *out != "" {
		if err := dam.WriteResult(*out, metrics); err != nil {
			fmt.Printf("Error writing result: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\tSave to <%s>\n", *out)
	}
}
