// Command tskwrite is a minimal example producer: it reads "<key> <value>"
// lines from stdin and writes them through a Key Package to a single
// configured backend, flushing after every input line at the current
// wall-clock second — the
// producer data flow of spec §2: "caller builds a KP, adds keys, sets
// values, calls flush(time)".
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/backend/bus"
	"github.com/caida/libtimeseries/backend/text"
	"github.com/caida/libtimeseries/kp"
)

func main() {
	os.Exit(run())
}

func run() int {
	backendName := pflag.StringP("backend", "b", "text", "output backend: text|bus")
	optsString := pflag.StringP("options", "o", "", "backend option string")
	pflag.Parse()

	logger := logrus.StandardLogger()

	registry := backend.NewRegistry(logger)
	_ = registry.Register(backend.IDText, "text", text.New(afero.NewOsFs(), os.Stdout))
	_ = registry.Register(backend.IDBus, "bus", bus.New(logger))

	if _, err := registry.EnableBackend(*backendName, *optsString); err != nil {
		logger.WithError(err).Error("tskwrite: enabling backend")
		return 1
	}
	defer func() {
		if d, err := registry.LookupByName(*backendName); err == nil {
			_ = d.Backend.Free()
		}
	}()

	k := kp.New(registry, true)
	defer func() { _ = k.Free() }()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, err := parseLine(line)
		if err != nil {
			logger.WithError(err).Warn("tskwrite: skipping malformed line")
			continue
		}
		id, err := k.AddKey(key)
		if err != nil {
			logger.WithError(err).Error("tskwrite: adding key")
			return 2
		}
		if err := k.Set(id, value); err != nil {
			logger.WithError(err).Error("tskwrite: setting value")
			return 2
		}
		if err := k.Flush(uint32(time.Now().Unix())); err != nil {
			logger.WithError(err).Error("tskwrite: flush failed")
			return 2
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Error("tskwrite: reading input")
		return 2
	}
	return 0
}

func parseLine(line string) (string, uint64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("tskwrite: expected \"<key> <value>\", got %q", line)
	}
	value, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", 0, err
	}
	return fields[0], value, nil
}
