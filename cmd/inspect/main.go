// Command inspect dumps pipeline records (receipts, violations, review
// flags) from a Badger snapshot as a table. Read-only: safe to run next
// to a live relay.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"chat-relay/domain"
	"chat-relay/repositories"
)

func main() {
	dbPath := flag.String("db", "", "Path to badger DB")
	kind := flag.String("kind", "receipts", "What to list: receipts, violations, flags")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("missing -db path")
	}

	opts := badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	switch *kind {
	case "receipts":
		listReceipts(db, table)
	case "violations":
		listViolations(db, table)
	case "flags":
		listFlags(db, table)
	default:
		log.Fatalf("unknown kind %q", *kind)
	}
	table.Render()
}

func listReceipts(db *badger.DB, table *tablewriter.Table) {
	repo := repositories.NewReceiptRepository(db, slogDiscard())
	table.SetHeader([]string{"Message ID", "Recipient", "Status", "Attempts", "Last attempt"})

	for _, status := range []domain.DeliveryStatus{
		domain.DeliveryPending, domain.DeliveryDelivered, domain.DeliveryFailed,
	} {
		receipts, err := repo.ListByStatus(status)
		if err != nil {
			log.Fatal("Error while listing receipts: ", err)
		}
		for _, r := range receipts {
			table.Append([]string{
				r.MessageID.String(),
				r.RecipientID,
				colorStatus(r.Status),
				fmt.Sprintf("%d", r.AttemptCount),
				r.LastAttemptAt.Format(time.RFC3339),
			})
		}
	}
}

func listViolations(db *badger.DB, table *tablewriter.Table) {
	repo := repositories.NewViolationRepository(db, slogDiscard())
	table.SetHeader([]string{"Room", "User", "Count", "Last violation"})

	violations, err := repo.ListViolations()
	if err != nil {
		log.Fatal("Error while listing violations: ", err)
	}
	for _, v := range violations {
		table.Append([]string{
			fmt.Sprintf("%d", v.Room),
			v.UserID,
			fmt.Sprintf("%d", v.Count),
			v.LastViolationAt.Format(time.RFC3339),
		})
	}
}

func listFlags(db *badger.DB, table *tablewriter.Table) {
	repo := repositories.NewFlagRepository(db, slogDiscard())
	table.SetHeader([]string{"Message ID", "Room", "Sender", "Score", "Lang", "At"})

	flags, err := repo.ListFlags()
	if err != nil {
		log.Fatal("Error while listing flags: ", err)
	}
	for _, f := range flags {
		table.Append([]string{
			f.MessageID.String(),
			fmt.Sprintf("%d", f.Room),
			f.SenderID,
			color.Red.Sprintf("%.2f", f.Score),
			f.Lang,
			f.At.Format(time.RFC3339),
		})
	}
}

// slogDiscard keeps the repositories quiet; this tool prints tables,
// not logs.
func slogDiscard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func colorStatus(status domain.DeliveryStatus) string {
	switch status {
	case domain.DeliveryDelivered:
		return color.Green.Sprint(status)
	case domain.DeliveryFailed:
		return color.Red.Sprint(status)
	default:
		return color.Yellow.Sprint(status)
	}
}
