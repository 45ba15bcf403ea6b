// canselftest exercises a CAN controller against itself: it installs the
// driver in no-ack mode, transmits a frame with self-reception requested and
// logs every frame received back.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	_logLvlDef  = zapcore.InfoLevel
	_logFileDef = ""
	_confDef    = "/etc/canctl.d/selftest.yaml"
)

func main() {
	logLvl := zap.LevelFlag("loglvl", _logLvlDef, "log level for zap logger")
	logFile := flag.String("logf", _logFileDef, "path to the log file")
	configFile := flag.String("conf", _confDef, "path to the configuration file")
	driver := flag.String("driver", driverSim, "driver: sim, socketcan or slcan")
	iface := flag.String("iface", "can0", "SocketCAN interface")
	port := flag.String("port", "", "serial port of the slcan adapter")
	iterations := flag.Int("iterations", 1, "start/stop cycles, 0 repeats until interrupted")
	messages := flag.Int("messages", 0, "frames per cycle, 0 runs until interrupted")
	statusAddr := flag.String("status", "", "address of the status server, empty disables it")

	flag.Parse()

	logger, err := newLogger(*logFile, *logLvl).Build()
	if err != nil {
		log.Fatalf("build log configuration: %v", err)
	}

	sugar := logger.Sugar()

	conf, err := LoadConfig(*configFile)
	if err != nil {
		sugar.Fatalw("load configuration", "error", err)
	}

	// Flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			conf.Driver = *driver
		case "iface":
			conf.Interface = *iface
		case "port":
			conf.SerialPort = *port
		case "iterations":
			conf.Iterations = *iterations
		case "messages":
			conf.Messages = *messages
		case "status":
			conf.StatusAddr = *statusAddr
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, conf, logger)
	if err != nil {
		sugar.Fatalw("self test", "error", err)
	}

	sugar.Infow("self test complete",
		"iterations", res.Iterations,
		"transmitted", res.Transmitted,
		"received", res.Received,
	)
	_ = logger.Sync()
}
