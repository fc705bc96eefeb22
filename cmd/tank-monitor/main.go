/*
tank-monitor - battery aware water tank level monitoring
Copyright (C) 2024, Wheelhouse

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
	"github.com/wheelhouse-io/tank-monitor/internal/monitor"
)

var version = "<not set>"

var log = logging.NewLogger("info")

func main() {
	if err := runMain(); err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	if len(os.Args) < 2 {
		log.Info("usage: tank-monitor <subcommand> [args]")
		log.Info("subcommands: monitor, status, burst, benchmark, reset-stats, stay-awake")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	switch subcommand {
	case "monitor":
		return monitor.Run(args, version)
	case "status":
		return monitor.RunStatus(args, version)
	case "burst":
		return monitor.RunBurst(args, version)
	case "benchmark":
		return monitor.RunBenchmark(args, version)
	case "reset-stats":
		return monitor.RunResetStats(args, version)
	case "stay-awake":
		return monitor.RunStayAwake(args, version)
	default:
		return fmt.Errorf("unknown subcommand: %s", subcommand)
	}
}
