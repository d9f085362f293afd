// Local blacklist administration, adapted from the teacher's
// user-console.go: a direct-to-state menu loop (list/register/delete) that
// bypasses the running service entirely, retargeted from the teacher's user
// table to gridkeep's blacklist.json.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"gridkeep/internal/blacklist"
)

func adminCmd() *cobra.Command {
	var file string
	parent := &cobra.Command{
		Use:   "admin",
		Short: "Administer the gateway's blacklist.json directly (bypasses the running gateway)",
	}
	parent.PersistentFlags().StringVar(&file, "file", envOr("GRIDKEEP_BLACKLIST_FILE", "./blacklist.json"), "path to blacklist.json")

	parent.AddCommand(
		adminListCmd(&file),
		adminBanCmd(&file),
		adminUnbanCmd(&file),
		adminMenuCmd(&file),
	)
	return parent
}

func adminListCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every banned principal id",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBlacklist(blacklist.Load(*file))
			return nil
		},
	}
}

func adminBanCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ban <principal-id>",
		Short: "Ban a principal id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bl := blacklist.Load(*file)
			if err := bl.Add(args[0]); err != nil {
				return err
			}
			if err := bl.Flush(); err != nil {
				return err
			}
			fmt.Printf("banned %q (%d total)\n", args[0], bl.Len())
			return nil
		},
	}
}

func adminUnbanCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <principal-id>",
		Short: "Lift a ban on a principal id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bl := blacklist.Load(*file)
			if err := bl.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("unbanned %q (%d remaining)\n", args[0], bl.Len())
			return nil
		},
	}
}

// adminMenuCmd reproduces user-console.go's interactive numbered-menu loop
// (1. List  2. Ban  3. Unban  4. Exit) for operators who'd rather not recall
// subcommand names.
func adminMenuCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Interactive blacklist administration menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			bl := blacklist.Load(*file)
			scanner := bufio.NewScanner(os.Stdin)

			for {
				fmt.Println("\n========================================")
				fmt.Println("   GRIDKEEP BLACKLIST ADMINISTRATION")
				fmt.Println("========================================")
				fmt.Println("1. List banned principals")
				fmt.Println("2. Ban a principal")
				fmt.Println("3. Unban a principal")
				fmt.Println("4. Exit")
				fmt.Print("Select Option: ")

				if !scanner.Scan() {
					return nil
				}
				switch strings.TrimSpace(scanner.Text()) {
				case "1":
					printBlacklist(bl)
				case "2":
					fmt.Print("Principal id to ban: ")
					scanner.Scan()
					id := strings.TrimSpace(scanner.Text())
					if id == "" {
						fmt.Println("Error: principal id cannot be empty.")
						continue
					}
					if err := bl.Add(id); err != nil {
						fmt.Printf("Error banning %q: %v\n", id, err)
						continue
					}
					bl.Flush()
					fmt.Printf("[+] Banned %q\n", id)
				case "3":
					fmt.Print("Principal id to unban: ")
					scanner.Scan()
					id := strings.TrimSpace(scanner.Text())
					if err := bl.Remove(id); err != nil {
						fmt.Printf("Error unbanning %q: %v\n", id, err)
						continue
					}
					fmt.Printf("[+] Unbanned %q\n", id)
				case "4":
					fmt.Println("Exiting.")
					return nil
				default:
					fmt.Println("Invalid option.")
				}
			}
		},
	}
}

func printBlacklist(bl *blacklist.List) {
	entries := bl.Entries()
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("\nPrincipal                       | Added At")
	fmt.Println("--------------------------------|---------------------------")
	for _, id := range ids {
		fmt.Printf("%-32s | %s\n", id, entries[id].Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Printf("\n%d banned principal(s)\n", len(ids))
}
