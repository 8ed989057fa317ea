// Command nvmectl drives the user-mode NVMe driver against an emulated
// controller.
package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel  string
	pages     int
	cpus      uint32
	msix      uint16
	diskSize  uint64
	erasure   bool
	bounce    bool
	readyWait time.Duration
}

var opts options

var log = logrus.New()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nvmectl",
	Short: "Exercise the user-mode NVMe driver against an emulated controller.",
	Long: `nvmectl brings up the user-mode NVMe driver on an in-process ` +
		`emulated controller. It can run a smoke workload, dump the state ` +
		`saved for servicing and serve the inspection endpoints.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(opts.logLevel)
		if err != nil {
			return errors.Wrap(err, "log level")
		}
		log.SetLevel(level)

		return nil
	},
}

func init() {
	// A missing .env is fine; the environment and flags still apply.
	_ = godotenv.Load()

	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", envString("NVMECTL_LOG_LEVEL", "info"), "logrus level")
	flags.IntVar(&opts.pages, "pages", envInt("NVMECTL_PAGES", 4096), "guest memory pages; the upper half is the DMA pool")
	flags.Uint32Var(&opts.cpus, "cpus", uint32(envInt("NVMECTL_CPUS", 4)), "CPUs issuing I/O")
	flags.Uint16Var(&opts.msix, "msix", uint16(envInt("NVMECTL_MSIX", 64)), "interrupt vectors the controller exposes")
	flags.Uint64Var(&opts.diskSize, "disk-size", uint64(envInt("NVMECTL_DISK_SIZE", 16<<20)), "namespace 1 size in bytes")
	flags.BoolVar(&opts.erasure, "erasure", envBool("NVMECTL_ERASURE", false), "back namespace 1 with a Reed-Solomon disk")
	flags.BoolVar(&opts.bounce, "bounce", envBool("NVMECTL_BOUNCE", false), "mark guest memory as not DMA capable")
	flags.DurationVar(&opts.readyWait, "ready-timeout", 10*time.Second, "bound on each CSTS.RDY wait")
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
