package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MegaGrindStone/fsgate"
	"github.com/MegaGrindStone/fsgate/ops"
)

type shell struct {
	cli *fsgate.Client
}

func newShell(transport fsgate.ClientTransport) shell {
	return shell{
		cli: fsgate.NewClient(fsgate.Info{
			Name:    "fsgate-shell",
			Version: "1.0",
		}, transport),
	}
}

func (s shell) run(root string) {
	ctx := context.Background()

	if err := s.cli.Connect(ctx); err != nil {
		fmt.Printf("failed to connect to server: %v\n", err)
		return
	}
	defer s.cli.Close(ctx)

	fmt.Printf("Connected to %s, serving %s\n", s.cli.ServerInfo().Name, root)
	fmt.Println("Commands: ls [path], cat <path>, write <path> <content>, append <path> <content>,")
	fmt.Println("          mkdir <path>, mv <old> <new>, cp <src> <dest>, rm <path>, stat <path>,")
	fmt.Println("          find <pattern>, ops, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		cmd, args := fields[0], fields[1:]
		if cmd == "exit" {
			return
		}
		if cmd == "ops" {
			s.listOperations(ctx)
			continue
		}

		name, opArgs, err := buildCall(cmd, args)
		if err != nil {
			fmt.Println(err)
			continue
		}
		s.call(ctx, name, opArgs)
	}
}

// buildCall translates a shell command into an operation name and arguments.
func buildCall(cmd string, args []string) (string, any, error) {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	rest := func(i int) string {
		if i < len(args) {
			return strings.Join(args[i:], " ")
		}
		return ""
	}
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "ls":
		return "list", ops.ListArgs{Path: arg(0)}, nil
	case "cat":
		return "read", ops.ReadArgs{Path: arg(0)}, need(1)
	case "write":
		return "write", ops.WriteArgs{Path: arg(0), Content: rest(1)}, need(2)
	case "append":
		return "append", ops.AppendArgs{Path: arg(0), Content: rest(1)}, need(2)
	case "mkdir":
		return "mkdir", ops.MkdirArgs{Path: arg(0)}, need(1)
	case "mv":
		return "rename", ops.RenameArgs{OldPath: arg(0), NewPath: arg(1)}, need(2)
	case "cp":
		return "copy", ops.CopyArgs{SrcPath: arg(0), DestPath: arg(1)}, need(2)
	case "rm":
		return "delete", ops.DeleteArgs{Path: arg(0)}, need(1)
	case "stat":
		return "stat", ops.StatArgs{Path: arg(0)}, need(1)
	case "find":
		return "search", ops.SearchArgs{Pattern: arg(0)}, need(1)
	default:
		return "", nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

func (s shell) listOperations(ctx context.Context) {
	list, err := s.cli.ListOperations(ctx)
	if err != nil {
		fmt.Printf("failed to list operations: %v\n", err)
		return
	}
	for _, op := range list.Operations {
		fmt.Printf("%s: %s\n", op.Name, strings.TrimSpace(op.Description))
	}
}

func (s shell) call(ctx context.Context, name string, args any) {
	argsBs, err := json.Marshal(args)
	if err != nil {
		fmt.Printf("failed to marshal arguments: %v\n", err)
		return
	}

	result, err := s.cli.CallOperation(ctx, fsgate.CallParams{
		Name:      name,
		Arguments: argsBs,
	})
	if err != nil {
		fmt.Printf("failed to call %s: %v\n", name, err)
		return
	}

	for _, content := range result.Content {
		fmt.Println(content.Text)
	}
}
