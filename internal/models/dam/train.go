package dam

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cnclabs/dam/internal/runlog"
	"github.com/cnclabs/dam/pkg/nn"
	"github.com/cnclabs/dam/pkg/optim"
	"github.com/cnclabs/dam/pkg/reader"
)

const timeLayout = "2006-01-02 15:04:05"

// TrainConfig holds the learning parameters of a training run
type TrainConfig struct {
	BatchSize    int
	NumScanData  int
	LearningRate float64
	DecaySteps   int
	DecayRate    float64
	Clip         float64
	SavePath     string
	ExtEval      bool
	DevCount     int
	Seed         int64
	EOS          int
}

// DeviceCount resolves the number of data-parallel workers:
// threads when positive, else $CPU_NUM, else the number of CPUs
func DeviceCount(threads int) int {
	if threads > 0 {
		return threads
	}
	if v, err := strconv.Atoi(os.Getenv("CPU_NUM")); err == nil && v > 0 {
		return v
	}
	return runtime.NumCPU()
}

// Trainer drives epochs, optimizer steps and periodic checkpoints of a Net
type Trainer struct {
	net *Net
	opt *optim.Adam
	cfg TrainConfig
	rng *rand.Rand

	ledger *runlog.Ledger
	runID  string

	// one gradient buffer per device, reused across steps
	workerGrads []*nn.GradSet
	grads       *nn.GradSet
}

// NewTrainer attaches an Adam optimizer to net
func NewTrainer(net *Net, cfg TrainConfig) *Trainer {
	if cfg.DevCount < 1 {
		cfg.DevCount = 1
	}
	opt := optim.NewAdam(net.Params(), cfg.LearningRate)
	opt.Clip = cfg.Clip
	opt.DecaySteps = cfg.DecaySteps
	opt.DecayRate = cfg.DecayRate

	t := &Trainer{
		net:   net,
		opt:   opt,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		grads: nn.NewGradSet(net.Params()),
	}
	for d := 0; d < cfg.DevCount; d++ {
		t.workerGrads = append(t.workerGrads, nn.NewGradSet(net.Params()))
	}
	return t
}

// Optimizer returns the attached optimizer
func (t *Trainer) Optimizer() *optim.Adam {
	return t.opt
}

// SetLedger makes every checkpoint get recorded under runID
func (t *Trainer) SetLedger(ledger *runlog.Ledger, runID string) {
	t.ledger = ledger
	t.runID = runID
}

func (t *Trainer) dataConf() reader.Conf {
	cfg := t.net.Config()
	return reader.Conf{
		BatchSize:  t.cfg.BatchSize,
		MaxTurnNum: cfg.MaxTurnNum,
		MaxTurnLen: cfg.MaxTurnLen,
		EOS:        t.cfg.EOS,
	}
}

// Train runs num_scan_data passes over train, checkpointing and scoring valid every save_step steps
func (t *Trainer) Train(train, valid *reader.Dataset) error {
	devCount := t.cfg.DevCount
	conf := t.dataConf()

	fmt.Println("Model:")
	fmt.Println("\t[DAM]")

	fmt.Println("Learning Parameters:")
	fmt.Printf("\tbatch_size:\t\t%d\n", t.cfg.BatchSize)
	fmt.Printf("\tnum_scan_data:\t\t%d\n", t.cfg.NumScanData)
	fmt.Printf("\tlearning_rate:\t\t%.6f\n", t.cfg.LearningRate)
	fmt.Printf("\tdecay:\t\t\t%.2f every %d steps\n", t.cfg.DecayRate, t.cfg.DecaySteps)
	fmt.Printf("\tclip:\t\t\t%.2f\n", t.cfg.Clip)
	fmt.Printf("\tdevice count:\t\t%d\n", devCount)

	if conf.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	batchNum := train.Len() / conf.BatchSize
	if batchNum < devCount {
		return fmt.Errorf("%d training batches cannot feed %d devices", batchNum, devCount)
	}

	valBatches := reader.BuildBatches(valid, conf)

	printStep := max(1, batchNum/(devCount*100))
	saveStep := max(1, batchNum/(devCount*10))

	fmt.Println("Start Training:")
	fmt.Println(time.Now().Format(timeLayout))

	step := t.opt.Step()
	for epoch := 0; epoch < t.cfg.NumScanData; epoch++ {
		shuffled := reader.UnisonShuffle(train, t.rng)
		trainBatches := reader.BuildBatches(shuffled, conf)

		aveCost := 0.0
		// mean loss since the previous checkpoint, recorded in the ledger
		saveCost, saveCount := 0.0, 0
		for it := 0; it < batchNum/devCount; it++ {
			feeds := make([]*reader.Input, devCount)
			for dev := 0; dev < devCount; dev++ {
				feeds[dev] = reader.MakeOneBatchInput(trainBatches, it*devCount+dev)
			}

			loss := t.step(feeds)
			aveCost += loss
			saveCost += loss
			saveCount++
			step++

			if step%printStep == 0 {
				fmt.Printf("\tEpoch: %d\tprocessed: [%.4f]\tave loss: [%.6f]\tlr: %.6f\n",
					epoch+1, float64(step*devCount)/float64(batchNum), aveCost/float64(printStep), t.opt.CurrentLearningRate())
				aveCost = 0.0
			}

			if t.cfg.SavePath != "" && step%saveStep == 0 {
				if err := t.checkpoint(step, valBatches, saveCost/float64(saveCount)); err != nil {
					return err
				}
				saveCost, saveCount = 0.0, 0
			}
		}
	}

	return nil
}

// step runs one batch per device in parallel, averages the gradients and
// applies the optimizer. It returns the mean loss over devices.
func (t *Trainer) step(feeds []*reader.Input) float64 {
	devCount := len(feeds)
	losses := make([]float64, devCount)

	t.grads.Zero()

	var wg sync.WaitGroup
	for dev := 0; dev < devCount; dev++ {
		wg.Add(1)
		go func(dev int) {
			defer wg.Done()
			grads := t.workerGrads[dev]
			grads.Zero()

			input := feeds[dev]
			scale := 1.0 / float64(input.Len()*devCount)
			sum := 0.0
			for i := range input.Examples {
				loss, _ := t.net.LossAndGrad(&input.Examples[i], grads, scale)
				sum += loss
			}
			losses[dev] = sum / float64(input.Len())

			t.grads.Merge(grads, 1.0)
		}(dev)
	}
	wg.Wait()

	t.opt.Update(t.grads)

	mean := 0.0
	for _, l := range losses {
		mean += l
	}
	return mean / float64(devCount)
}

// checkpoint saves the model, scores the validation batches and evaluates them
func (t *Trainer) checkpoint(step int, valBatches *reader.Batches, avgLoss float64) error {
	savePath := filepath.Join(t.cfg.SavePath, "step_"+strconv.Itoa(step))
	fmt.Printf("Save model at step %d ...\n", step)
	fmt.Println(time.Now().Format(timeLayout))

	if err := t.net.Save(savePath, t.runID, step, t.dataConf(), t.opt); err != nil {
		return err
	}

	metrics, err := t.net.ScoreAndEvaluate(valBatches, t.cfg.SavePath, strconv.Itoa(step), t.cfg.DevCount, t.cfg.ExtEval)
	if err != nil {
		return err
	}
	PrintMetrics(metrics, t.cfg.ExtEval)

	if t.ledger != nil {
		err := t.ledger.RecordCheckpoint(runlog.Checkpoint{
			RunID:   t.runID,
			Step:    step,
			Path:    savePath,
			AvgLoss: avgLoss,
			Metrics: metrics,
		})
		if err != nil {
			return err
		}
	}

	fmt.Println("finish evaluation")
	fmt.Println(time.Now().Format(timeLayout))
	return nil
}
