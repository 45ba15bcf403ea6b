package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/notnil/canctl"
	"github.com/notnil/canctl/selftest"
)

// Driver names accepted in the configuration.
const (
	driverSim       = "sim"
	driverSocketCAN = "socketcan"
	driverSLCAN     = "slcan"
)

// Configuration contains the parameters of a self test run.
type Configuration struct {
	Driver      string        `yaml:"driver"`
	Interface   string        `yaml:"interface"`
	SerialPort  string        `yaml:"serial_port"`
	LinkSetup   bool          `yaml:"link_setup"`
	OpenRetries uint64        `yaml:"open_retries"`
	TxPin       int           `yaml:"tx_gpio"`
	RxPin       int           `yaml:"rx_gpio"`
	StandbyPin  string        `yaml:"standby_gpio"`
	Bitrate     uint32        `yaml:"bitrate"`
	Mode        string        `yaml:"mode"`
	TxQueueLen  int           `yaml:"tx_queue_len"`
	RxQueueLen  int           `yaml:"rx_queue_len"`
	MsgID       uint32        `yaml:"msg_id"`
	MsgData     []uint8       `yaml:"msg_data"`
	Iterations  int           `yaml:"iterations"`
	Messages    int           `yaml:"messages_per_iteration"`
	TxDelay     time.Duration `yaml:"tx_delay"`
	RxTimeout    time.Duration `yaml:"rx_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	Verify       bool          `yaml:"verify"`
	LogFrames    bool          `yaml:"log_frames"`
	LogFilter    LogFilter     `yaml:"log_filter"`
	StatusAddr   string        `yaml:"status_addr"`
}

// LogFilter selects the frames logged when log_frames is set. Identifier
// selectors (ids, range, mask) are alternatives; every other key narrows
// the selection further. An empty filter logs every frame.
type LogFilter struct {
	IDs           []uint32 `yaml:"ids"`
	Range         *IDRange `yaml:"range"`
	Mask          *IDMask  `yaml:"mask"`
	ExcludeIDs    []uint32 `yaml:"exclude_ids"`
	Format        string   `yaml:"format"`
	Kind          string   `yaml:"kind"`
	Len           *uint8   `yaml:"len"`
	MaxLen        *uint8   `yaml:"max_len"`
	PayloadPrefix []uint8  `yaml:"payload_prefix"`
}

// IDRange is an inclusive identifier range.
type IDRange struct {
	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

// IDMask matches identifiers whose masked bits equal ID's.
type IDMask struct {
	ID   uint32 `yaml:"id"`
	Mask uint32 `yaml:"mask"`
}

// DefaultConfiguration is the self test of a bare controller: pins 21/22,
// 50 kbit/s, no-ack mode, frame 0x555 [36], one unbounded cycle.
func DefaultConfiguration() Configuration {
	return Configuration{
		Driver:      driverSim,
		Interface:   "can0",
		OpenRetries: 5,
		TxPin:       21,
		RxPin:       22,
		Bitrate:     canctl.Timing50Kbits.Bitrate(),
		Mode:        canctl.ModeNoAck.String(),
		TxQueueLen:  5,
		RxQueueLen:  5,
		MsgID:       selftest.MsgID,
		MsgData:     []uint8{selftest.MsgData},
		Iterations:  1,
		RxTimeout:   canctl.WaitForever,
	}
}

// LoadConfig loads the configuration file at path over the defaults. A
// missing file yields the defaults.
func LoadConfig(path string) (Configuration, error) {
	conf := DefaultConfiguration()
	if path == "" {
		return conf, nil
	}

	contents, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return conf, nil
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("read configuration file %s: %v", path, err)
	}

	if err = yaml.Unmarshal(contents, &conf); err != nil {
		return Configuration{}, fmt.Errorf("unmarshal configuration contents: %v", err)
	}

	return conf, nil
}

func (c Configuration) general() (canctl.GeneralConfig, error) {
	mode, err := canctl.ParseMode(c.Mode)
	if err != nil {
		return canctl.GeneralConfig{}, err
	}
	g := canctl.DefaultGeneralConfig(c.TxPin, c.RxPin, mode)
	g.TxQueueLen, g.RxQueueLen = c.TxQueueLen, c.RxQueueLen
	return g, g.Validate()
}

func (c Configuration) timing() (canctl.TimingConfig, error) {
	return canctl.TimingForBitrate(c.Bitrate)
}

// filter accepts only the self test identifier when it is a standard one.
func (c Configuration) filter() canctl.FilterConfig {
	if c.MsgID > canctl.MaxStdID {
		return canctl.FilterAcceptAll()
	}
	return canctl.FilterSingleID(c.MsgID)
}

func (c Configuration) frame() (canctl.Frame, error) {
	f := canctl.Frame{
		ID:       c.MsgID,
		Extended: c.MsgID > canctl.MaxStdID,
		SelfRx:   true,
		Len:      uint8(len(c.MsgData)),
	}
	if len(c.MsgData) > canctl.MaxDataLen {
		return canctl.Frame{}, fmt.Errorf("msg_data: %w", canctl.ErrInvalidLen)
	}
	copy(f.Data[:], c.MsgData)
	return f, f.Validate()
}

func (c Configuration) selftestOptions() (selftest.Options, error) {
	f, err := c.frame()
	if err != nil {
		return selftest.Options{}, err
	}
	opts := selftest.DefaultOptions()
	opts.Frame = f
	opts.Iterations = c.Iterations
	opts.MessagesPerIteration = c.Messages
	opts.TxDelay = c.TxDelay
	opts.RxTimeout = c.RxTimeout
	opts.Window = c.RxQueueLen
	if c.DrainTimeout > 0 {
		opts.DrainTimeout = c.DrainTimeout
	}
	opts.Verify = c.Verify
	return opts, nil
}

// frameFilter builds the log filter. A nil filter logs every frame.
func (lf LogFilter) frameFilter() (canctl.FrameFilter, error) {
	var ids []canctl.FrameFilter
	switch len(lf.IDs) {
	case 0:
	case 1:
		ids = append(ids, canctl.ByID(lf.IDs[0]))
	default:
		ids = append(ids, canctl.ByIDs(lf.IDs...))
	}
	if lf.Range != nil {
		ids = append(ids, canctl.ByRange(lf.Range.From, lf.Range.To))
	}
	if lf.Mask != nil {
		ids = append(ids, canctl.ByMask(lf.Mask.ID, lf.Mask.Mask))
	}

	var all []canctl.FrameFilter
	if len(ids) > 0 {
		all = append(all, canctl.Or(ids...))
	}
	if len(lf.ExcludeIDs) > 0 {
		all = append(all, canctl.Not(canctl.ByIDs(lf.ExcludeIDs...)))
	}
	switch lf.Format {
	case "":
	case "standard":
		all = append(all, canctl.StandardOnly())
	case "extended":
		all = append(all, canctl.ExtendedOnly())
	default:
		return nil, fmt.Errorf("%w: log_filter format %q", canctl.ErrConfiguration, lf.Format)
	}
	switch lf.Kind {
	case "":
	case "data":
		all = append(all, canctl.DataOnly())
	case "rtr":
		all = append(all, canctl.RTROnly())
	default:
		return nil, fmt.Errorf("%w: log_filter kind %q", canctl.ErrConfiguration, lf.Kind)
	}
	if lf.Len != nil {
		if *lf.Len > canctl.MaxDataLen {
			return nil, fmt.Errorf("%w: log_filter len %d", canctl.ErrConfiguration, *lf.Len)
		}
		all = append(all, canctl.LenExactly(*lf.Len))
	}
	if lf.MaxLen != nil {
		all = append(all, canctl.LenAtMost(*lf.MaxLen))
	}
	if len(lf.PayloadPrefix) > 0 {
		if len(lf.PayloadPrefix) > canctl.MaxDataLen {
			return nil, fmt.Errorf("%w: log_filter payload_prefix longer than %d bytes", canctl.ErrConfiguration, canctl.MaxDataLen)
		}
		all = append(all, canctl.ByPayloadPrefix(lf.PayloadPrefix...))
	}

	if len(all) == 0 {
		return nil, nil
	}
	return canctl.And(all...), nil
}
