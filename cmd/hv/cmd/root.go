/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/hw/emu"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfig      = "config"
	flagVerbose     = "verbose"
	flagLogLevel    = "log-level"
	flagProcessors  = "processors"
	flagCaps        = "caps"
	flagKickVector  = "kick-vector"
	flagKickTimeout = "kick-timeout"
)

// Config is the CLI configuration, merged from flags, HV_* environment
// variables and an optional config file.
type Config struct {
	Verbose     bool          `mapstructure:"verbose"`
	LogLevel    string        `mapstructure:"log-level"`
	Processors  int           `mapstructure:"processors"`
	Caps        string        `mapstructure:"caps"`
	KickVector  int           `mapstructure:"kick-vector"`
	KickTimeout time.Duration `mapstructure:"kick-timeout"`
	// Capabilities overrides the preset selected by Caps when set in the
	// config file.
	Capabilities emu.Capabilities `mapstructure:"capabilities"`
}

var (
	config Config
	log    = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:               "hv",
	Short:             "Drive the VMX execution core on the emulated platform",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("hv")

	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "config file (yaml, json or toml)")
	pf.BoolP(flagVerbose, "V", false, "verbose output")
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")
	pf.Int(flagProcessors, 0, "emulated logical processors (0 = one more than the vcpus)")
	pf.String(flagCaps, "default", "capability preset (default, no-secondary)")
	pf.Int(flagKickVector, vmx.DefaultKickVector, "host vector of the kick IPI")
	pf.Duration(flagKickTimeout, 0, "how long a kick waits for the vcpu to leave the guest (0 = forever)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	if path := viper.GetString(flagConfig); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	if config.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.WithField("command", cmd.Name()).Debug("configuration loaded")
	return nil
}

// capabilities returns the capability MSRs the emulated machine reports.
func capabilities() (emu.Capabilities, error) {
	if config.Capabilities != (emu.Capabilities{}) {
		return config.Capabilities, nil
	}
	switch config.Caps {
	case "", "default":
		return emu.DefaultCapabilities(), nil
	case "no-secondary":
		return emu.NoSecondaryCapabilities(), nil
	default:
		return emu.Capabilities{}, fmt.Errorf("unknown capability preset %q", config.Caps)
	}
}

// newHost creates the emulated machine and the host context for a VM of
// nvcpus vcpus.
func newHost(nvcpus int) (*emu.Machine, *vmx.Host, error) {
	caps, err := capabilities()
	if err != nil {
		return nil, nil, err
	}
	procs := config.Processors
	if procs <= 0 {
		procs = nvcpus + 1
	}
	if config.KickVector < 32 || config.KickVector > 255 {
		return nil, nil, fmt.Errorf("kick vector %d out of range 32-255", config.KickVector)
	}
	m := emu.New(emu.Config{Processors: procs, Caps: caps, Logger: log})
	host, err := vmx.NewHost(m,
		vmx.WithLogger(log),
		vmx.WithKickVector(uint8(config.KickVector)),
		vmx.WithKickTimeout(config.KickTimeout),
		vmx.WithInterruptRelay(func(vector uint8) {
			log.WithField("vector", vector).Debug("host interrupt relayed")
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return m, host, nil
}
