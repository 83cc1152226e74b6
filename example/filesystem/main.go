// This example wires a server and a client together over in-process pipes and
// drops into a small interactive shell against the served directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MegaGrindStone/fsgate"
	"github.com/MegaGrindStone/fsgate/ops"
)

func main() {
	root := flag.String("root", "", "Directory to serve (required)")
	flag.StringVar(root, "r", "", "Directory to serve (required) (shorthand)")

	flag.Parse()

	if *root == "" {
		fmt.Println("Error: root is required")
		flag.Usage()
		os.Exit(1)
	}

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	srvIO := fsgate.NewStdIO(srvReader, srvWriter)
	cliIO := fsgate.NewStdIO(cliReader, cliWriter)

	set, err := ops.NewSet(*root)
	if err != nil {
		fmt.Println("Error: failed to create operation set:", err)
		os.Exit(1)
	}

	srv := fsgate.NewServer(fsgate.Info{
		Name:    "fsgate",
		Version: "1.0",
	}, srvIO,
		fsgate.WithServerPingInterval(30*time.Second),
	)
	for _, op := range set.Operations() {
		if err := srv.RegisterOperation(op); err != nil {
			fmt.Println("Error: failed to register operation:", err)
			os.Exit(1)
		}
	}

	go srv.Serve()

	sh := newShell(cliIO)
	sh.run(set.Root())

	if err := srv.Shutdown(context.Background()); err != nil {
		fmt.Printf("Server forced to shutdown: %v", err)
	}
}
