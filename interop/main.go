package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	vectors "github.com/marmot-protocol/go-marmot/test-vectors"
)

var (
	genOpt     string
	verifyOpt  string
	typeOpt    string
	nOpt       uint
	outOpt     string
	verboseOpt bool
)

func init() {
	flag.StringVar(&genOpt, "gen", "", "generate a vector of this type (tree_math, crypto, nip44)")
	flag.StringVar(&verifyOpt, "verify", "", "verify the vector stored in this file")
	flag.StringVar(&typeOpt, "type", vectors.TypeTreeMath, "type of the vector to verify")
	flag.UintVar(&nOpt, "n", 8, "leaf count for tree_math, output length for crypto")
	flag.StringVar(&outOpt, "o", "", "write the generated vector here instead of stdout")
	flag.BoolVar(&verboseOpt, "v", false, "log at debug level")
}

func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verboseOpt {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return log
}

func generate(log *zap.Logger) error {
	data, err := vectors.Generate(genOpt, uint32(nOpt))
	if err != nil {
		return err
	}

	if outOpt == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}

	if err := os.WriteFile(outOpt, data, 0644); err != nil {
		return err
	}
	log.Info("wrote test vector", zap.String("type", genOpt), zap.String("file", outOpt))
	return nil
}

func verify(log *zap.Logger) error {
	data, err := os.ReadFile(verifyOpt)
	if err != nil {
		return err
	}

	if err := vectors.Verify(typeOpt, data); err != nil {
		return err
	}
	log.Info("test vector verified", zap.String("type", typeOpt), zap.String("file", verifyOpt))
	return nil
}

func main() {
	flag.Parse()
	log := newLogger()
	defer log.Sync()

	var err error
	switch {
	case genOpt != "" && verifyOpt != "":
		err = fmt.Errorf("-gen and -verify are mutually exclusive")
	case genOpt != "":
		err = generate(log)
	case verifyOpt != "":
		err = verify(log)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Error("interop failed", zap.Error(err))
		os.Exit(1)
	}
}
