// ocean is the command-line interface to OCEAN, an educational microkernel simulated
// in software.
package main

import (
	"context"
	"os"

	"github.com/jack-chaudier/ocean/internal/cli"
	"github.com/jack-chaudier/ocean/internal/cli/cmd"
)

func main() {
	status := cli.New("ocean").
		Register(cmd.Boot(), cmd.Demo()).
		Main(context.Background(), os.Args[1:])

	os.Exit(status)
}
