package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cnclabs/dam/internal/models/dam"
	"github.com/cnclabs/dam/internal/runlog"
	"github.com/cnclabs/dam/pkg/reader"
)

func main() {
	batchSize := flag.Int("batch_size", 256, "Batch size for training")
	numScanData := flag.Int("num_scan_data", 2, "Number of pass for training")
	learningRate := flag.Float64("learning_rate", 1e-3, "Learning rate used to train")
	dataPath := flag.String("data_path", "data", "Directory holding train.txt, valid.txt and test.txt")
	savePath := flag.String("save_path", "saved_models", "Path to save trained models")
	extEval := flag.Bool("ext_eval", false, "If set, use MAP, MRR etc for evaluation")
	maxTurnNum := flag.Int("max_turn_num", 9, "Maximum number of utterances in context")
	maxTurnLen := flag.Int("max_turn_len", 50, "Maximum length of sentences in turns")
	wordEmbInit := flag.String("word_emb_init", "", "Path to the initial word embedding")
	vocabSize := flag.Int("vocab_size", 434512, "The size of vocabulary")
	embSize := flag.Int("emb_size", 200, "The dimension of word embedding")
	eos := flag.Int("_EOS_", 28270, "The id for the end of sentence in vocabulary")
	stackNum := flag.Int("stack_num", 5, "The number of stacked attentive modules in network")
	channel1Num := flag.Int("channel1_num", 32, "The channels' number of the 1st conv3d layer's output")
	channel2Num := flag.Int("channel2_num", 16, "The channels' number of the 2nd conv3d layer's output")
	threads := flag.Int("threads", 0, "Number of data-parallel devices (default $CPU_NUM or the number of CPUs)")
	seed := flag.Int64("seed", 0, "Random seed for initialization and shuffling (default current time)")
	decaySteps := flag.Int("decay_steps", 400, "Steps between learning rate decays")
	decayRate := flag.Float64("decay_rate", 0.9, "Learning rate decay factor")
	clip := flag.Float64("clip", 1.0, "Clip gradients to [-clip, clip]; 0 disables clipping")
	initModel := flag.String("init_model", "", "Checkpoint directory to resume training from")
	doTest := flag.Bool("do_test", false, "Score the test set with -model_path instead of training")
	modelPath := flag.String("model_path", "", "Checkpoint directory used by -do_test")
	ledgerPath := flag.String("ledger", "", "SQLite run ledger (default <save_path>/runs.sqlite3)")

	flag.Usage = func() {
		fmt.Println("[DAM-Go]")
		fmt.Println("\tGolang implementation of the Deep Attention Matching Network")
		fmt.Println()
		fmt.Println("Description:")
		fmt.Println("\tMulti-Turn Response Selection for Chatbots with Deep Attention Matching Network (ACL 2018)")
		fmt.Println("\tBy Xiangyang Zhou, Lu Li, Daxiang Dong, Yi Liu, Ying Chen, Wayne Xin Zhao, Dianhai Yu and Hua Wu")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  ./dam -data_path data/ubuntu -save_path saved_models -batch_size 256 -num_scan_data 2 -threads 4")
		fmt.Println("  ./dam -do_test -data_path data/ubuntu -model_path saved_models/step_1000 -save_path saved_models")
		fmt.Println()
		fmt.Println("Input Format:")
		fmt.Println("  label <TAB> context ids (utterances separated by the _EOS_ id) <TAB> response ids")
	}

	flag.Parse()
	printArguments()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	devCount := dam.DeviceCount(*threads)
	fmt.Printf("device count %d\n", devCount)

	dataConf := reader.Conf{
		BatchSize:  *batchSize,
		MaxTurnNum: *maxTurnNum,
		MaxTurnLen: *maxTurnLen,
		EOS:        *eos,
	}

	if *doTest {
		if *modelPath == "" {
			fmt.Println("Error: -model_path is required with -do_test")
			flag.Usage()
			os.Exit(1)
		}
		if err := test(*modelPath, *dataPath, *savePath, dataConf, devCount, *extEval); err != nil {
			fmt.Printf("Error testing model: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := dam.Config{
		MaxTurnNum:  *maxTurnNum,
		MaxTurnLen:  *maxTurnLen,
		VocabSize:   *vocabSize,
		EmbSize:     *embSize,
		StackNum:    *stackNum,
		Channel1Num: *channel1Num,
		Channel2Num: *channel2Num,
	}

	// Create and initialize model
	model, err := dam.New(cfg, rand.New(rand.NewSource(*seed)))
	if err != nil {
		fmt.Printf("Error creating model: %v\n", err)
		os.Exit(1)
	}
	model.PrintSetting()

	trainer := dam.NewTrainer(model, dam.TrainConfig{
		BatchSize:    *batchSize,
		NumScanData:  *numScanData,
		LearningRate: *learningRate,
		DecaySteps:   *decaySteps,
		DecayRate:    *decayRate,
		Clip:         *clip,
		SavePath:     *savePath,
		ExtEval:      *extEval,
		DevCount:     devCount,
		Seed:         *seed,
		EOS:          *eos,
	})

	if *initModel != "" {
		fmt.Println("Restoring model from:", *initModel)
		state, err := model.Restore(*initModel)
		if err != nil {
			fmt.Printf("Error restoring model: %v\n", err)
			os.Exit(1)
		}
		if state != nil {
			if err := trainer.Optimizer().Restore(state); err != nil {
				fmt.Printf("Error restoring optimizer: %v\n", err)
				os.Exit(1)
			}
		}
	} else if *wordEmbInit != "" {
		fmt.Println("start loading word embedding init ...")
		table, err := reader.LoadEmbedding(*wordEmbInit, *vocabSize, *embSize)
		if err != nil {
			fmt.Printf("Error loading word embedding: %v\n", err)
			os.Exit(1)
		}
		if err := model.SetWordEmbedding(table); err != nil {
			fmt.Printf("Error loading word embedding: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("finish init word embedding ...")
	}

	fmt.Println("start loading data ...")
	splits, err := reader.LoadData(*dataPath)
	if err != nil {
		fmt.Printf("Error loading data: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("finish loading data ...")

	if *savePath != "" {
		if err := os.MkdirAll(*savePath, 0o755); err != nil {
			fmt.Printf("Error creating save path: %v\n", err)
			os.Exit(1)
		}
		if *ledgerPath == "" {
			*ledgerPath = filepath.Join(*savePath, "runs.sqlite3")
		}
		ledger, err := runlog.Open(*ledgerPath)
		if err != nil {
			fmt.Printf("Error opening run ledger: %v\n", err)
			os.Exit(1)
		}
		defer ledger.Close()

		run, err := ledger.StartRun(flagValues())
		if err != nil {
			fmt.Printf("Error starting run: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("run id:", run.ID)
		trainer.SetLedger(ledger, run.ID)
	}

	if err := trainer.Train(splits.Train, splits.Valid); err != nil {
		fmt.Printf("Error training model: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Training completed successfully!")
}

// test scores the test split with a saved checkpoint
func test(modelPath, dataPath, savePath string, conf reader.Conf, devCount int, extEval bool) error {
	model, manifest, _, err := dam.Load(modelPath)
	if err != nil {
		return err
	}
	model.PrintSetting()
	batchSize := conf.BatchSize
	conf = manifest.DataConf()
	conf.BatchSize = batchSize

	splits, err := reader.LoadData(dataPath)
	if err != nil {
		return err
	}
	if splits.Test.Len() == 0 {
		return fmt.Errorf("no test.txt in %s", dataPath)
	}

	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return fmt.Errorf("failed to create save path: %v", err)
	}

	fmt.Println("Start Testing:")
	fmt.Println(time.Now().Format("2006-01-02 15:04:05"))
	metrics, err := model.ScoreAndEvaluate(reader.BuildBatches(splits.Test, conf), savePath, "test", devCount, extEval)
	if err != nil {
		return err
	}
	dam.PrintMetrics(metrics, extEval)
	fmt.Println("finish test")
	return nil
}

func flagValues() map[string]string {
	values := make(map[string]string)
	flag.VisitAll(func(f *flag.Flag) {
		values[f.Name] = f.Value.String()
	})
	return values
}

func printArguments() {
	values := flagValues()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("-----------  Configuration Arguments -----------")
	for _, name := range names {
		fmt.Printf("%s: %s\n", name, values[name])
	}
	fmt.Println("------------------------------------------------")
}
