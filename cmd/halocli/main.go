// Command halocli is a thin HTTP client driving a node's query surface,
// mirroring the cmd/cli command-group layout
// (cmd/cli/account_and_balance_operations.go) over github.com/spf13/cobra.
//
// Exit codes: 0 success, 1 request/transport failure, 2 usage error.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var nodeURL string
	root := &cobra.Command{Use: "halocli"}
	root.PersistentFlags().StringVar(&nodeURL, "node", "http://127.0.0.1:8080", "node HTTP query surface base URL")

	root.AddCommand(blockcountCmd(&nodeURL))
	root.AddCommand(blockCmd(&nodeURL))
	root.AddCommand(balanceCmd(&nodeURL))
	root.AddCommand(historyCmd(&nodeURL))
	root.AddCommand(difficultyCmd(&nodeURL))
	root.AddCommand(txsCmd(&nodeURL))
	root.AddCommand(sendCmd(&nodeURL))
	root.AddCommand(peersCmd(&nodeURL))
	root.AddCommand(nodeIDCmd(&nodeURL))
	root.AddCommand(startMinerCmd(&nodeURL))
	root.AddCommand(stopMinerCmd(&nodeURL))
	root.AddCommand(stopCmd(&nodeURL))
	root.AddCommand(forksCmd(&nodeURL))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func getJSON(base, path string) error {
	resp, err := http.Get(base + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(base, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

func blockcountCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "blockcount", Short: "print local and known chain length", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/blockcount")
	}}
}

func blockCmd(base *string) *cobra.Command {
	var number string
	cmd := &cobra.Command{Use: "block", Short: "print block(s) by height or range", RunE: func(cmd *cobra.Command, args []string) error {
		if number == "" {
			return fmt.Errorf("--number is required")
		}
		return getJSON(*base, "/block?number="+number)
	}}
	cmd.Flags().StringVar(&number, "number", "", "height, or H1-H2 range")
	return cmd
}

func balanceCmd(base *string) *cobra.Command {
	var address string
	cmd := &cobra.Command{Use: "balance", Short: "print an address's balance", RunE: func(cmd *cobra.Command, args []string) error {
		if address == "" {
			return fmt.Errorf("--address is required")
		}
		return getJSON(*base, "/balance?address="+address)
	}}
	cmd.Flags().StringVar(&address, "address", "", "hex-encoded address")
	return cmd
}

func historyCmd(base *string) *cobra.Command {
	var address string
	cmd := &cobra.Command{Use: "history", Short: "print an address's transaction history", RunE: func(cmd *cobra.Command, args []string) error {
		if address == "" {
			return fmt.Errorf("--address is required")
		}
		return getJSON(*base, "/history?address="+address)
	}}
	cmd.Flags().StringVar(&address, "address", "", "hex-encoded address")
	return cmd
}

func difficultyCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "difficulty", Short: "print the target at the next height", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/difficulty")
	}}
}

func txsCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "txs", Short: "print the mempool snapshot", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/txs")
	}}
}

func sendCmd(base *string) *cobra.Command {
	var amount uint64
	var to, message, wallet string
	cmd := &cobra.Command{Use: "send", Short: "submit a spend transaction signed by the node's loaded wallet", RunE: func(cmd *cobra.Command, args []string) error {
		if to == "" {
			return fmt.Errorf("--to is required")
		}
		return postJSON(*base, "/send", map[string]interface{}{
			"amount": amount, "to": to, "message": message, "wallet": wallet,
		})
	}}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to send")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&message, "message", "", "attached message")
	cmd.Flags().StringVar(&wallet, "wallet", "", "expected sender address (sanity check)")
	return cmd
}

func peersCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "peers", Short: "print the node's own gossip listen addresses", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/peers")
	}}
}

func nodeIDCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "node_id", Short: "print the node's identifier", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/node_id")
	}}
}

func startMinerCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "start_miner", Short: "enable mining", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/start_miner")
	}}
}

func stopMinerCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "stop_miner", Short: "disable mining", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/stop_miner")
	}}
}

func stopCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "stop", Short: "shut the node down", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/stop")
	}}
}

func forksCmd(base *string) *cobra.Command {
	return &cobra.Command{Use: "forks", Short: "print recent reorgs", RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(*base, "/forks")
	}}
}
