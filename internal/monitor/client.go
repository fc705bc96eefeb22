package monitor

import (
	"errors"
	"fmt"
	"os"

	arg "github.com/alexflint/go-arg"
	"github.com/godbus/dbus"
)

// D-Bus client side of the command surface, used by the CLI subcommands to
// talk to the running daemon.

func getService() (dbus.BusObject, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return conn.Object(dbusName, dbusPath), nil
}

func callString(method string, args ...interface{}) (string, error) {
	obj, err := getService()
	if err != nil {
		return "", err
	}
	var out string
	if err := obj.Call(dbusName+"."+method, 0, args...).Store(&out); err != nil {
		return "", fmt.Errorf("calling %s: %w", method, err)
	}
	return out, nil
}

func callVoid(method string, args ...interface{}) error {
	obj, err := getService()
	if err != nil {
		return err
	}
	if call := obj.Call(dbusName+"."+method, 0, args...); call.Err != nil {
		return fmt.Errorf("calling %s: %w", method, call.Err)
	}
	return nil
}

func parseClientArgs(input []string, args interface{}, ver string) error {
	parser, err := arg.NewParser(arg.Config{}, args)
	if err != nil {
		return err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(ver)
		os.Exit(0)
	}
	return err
}

// RunStatus prints the reading, schedule and battery views.
func RunStatus(inputArgs []string, ver string) error {
	var args struct{}
	if err := parseClientArgs(inputArgs, &args, ver); err != nil {
		return err
	}
	for _, method := range []string{"CurrentReading", "ScheduleStatus", "BatteryStatus"} {
		out, err := callString(method)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", method, out)
	}
	return nil
}

// RunBurst triggers a blocking diagnostic read on the daemon.
func RunBurst(inputArgs []string, ver string) error {
	args := struct {
		Attempts int `arg:"-a,--attempts" help:"read attempts before giving up" default:"3"`
	}{}
	if err := parseClientArgs(inputArgs, &args, ver); err != nil {
		return err
	}
	out, err := callString("BurstRead", int32(args.Attempts))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// RunBenchmark runs the daemon's timed sensor benchmark.
func RunBenchmark(inputArgs []string, ver string) error {
	args := struct {
		Iterations int `arg:"-n,--iterations" help:"benchmark iterations (5-30)" default:"10"`
	}{}
	if err := parseClientArgs(inputArgs, &args, ver); err != nil {
		return err
	}
	out, err := callString("Benchmark", int32(args.Iterations))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// RunResetStats clears the daemon's filter and driver counters.
func RunResetStats(inputArgs []string, ver string) error {
	var args struct{}
	if err := parseClientArgs(inputArgs, &args, ver); err != nil {
		return err
	}
	return callVoid("ResetStats")
}

// RunStayAwake delays sleep, or lifts the delay with --allow-sleep.
func RunStayAwake(inputArgs []string, ver string) error {
	args := struct {
		Minutes    int  `arg:"-m,--minutes" help:"minutes to stay awake" default:"30"`
		AllowSleep bool `arg:"--allow-sleep" help:"lift any stay-awake delay instead"`
	}{}
	if err := parseClientArgs(inputArgs, &args, ver); err != nil {
		return err
	}
	if args.AllowSleep {
		return callVoid("AllowSleep")
	}
	return callVoid("StayAwake", int32(args.Minutes))
}
