package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/api"
	"papertrade/internal/domain"
	"papertrade/internal/store"
	"papertrade/pkg/papertrade"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: papertrade-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                  Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                   Show server health and market gate\n")
	fmt.Fprintf(os.Stderr, "  prices                   List latest quotes\n")
	fmt.Fprintf(os.Stderr, "  search QUERY             Find quoted symbols containing QUERY\n")
	fmt.Fprintf(os.Stderr, "  portfolio                Show cash and positions\n")
	fmt.Fprintf(os.Stderr, "  orders                   Show order history\n")
	fmt.Fprintf(os.Stderr, "  buy|sell SYMBOL QTY      Place an order (-limit, -stop, -instrument)\n")
	fmt.Fprintf(os.Stderr, "  stop SYMBOL PRICE|clear  Set or clear a position's stop-loss\n")
	fmt.Fprintf(os.Stderr, "  reset                    Reset the account to its starting balance\n")
	fmt.Fprintf(os.Stderr, "  archive                  Export order history to the server's Parquet archive\n")
	fmt.Fprintf(os.Stderr, "  read-archive             Read archived orders from a local archive directory\n")
	fmt.Fprintf(os.Stderr, "  watch                    Stream events over gRPC\n")
	fmt.Fprintf(os.Stderr, "  dashboard                Live terminal view of the account (-refresh)\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment: PAPERTRADE_URL, PAPERTRADE_GRPC, PAPERTRADE_USER\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("papertrade-cli %s\n", version)
	case "status":
		err = runStatus(ctx, args)
	case "prices":
		err = runPrices(ctx, args)
	case "search":
		err = runSearch(ctx, args)
	case "portfolio":
		err = runPortfolio(ctx, args)
	case "orders":
		err = runOrders(ctx, args)
	case "buy", "sell":
		err = runPlace(ctx, domain.OrderSide(strings.ToUpper(cmd)), args)
	case "stop":
		err = runStop(ctx, args)
	case "reset":
		err = runReset(ctx, args)
	case "archive":
		err = runArchive(ctx, args)
	case "read-archive":
		err = runReadArchive(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "dashboard":
		err = runDashboard(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// clientFlags registers the connection flags shared by every remote command.
func clientFlags(name string) (*flag.FlagSet, func() *papertrade.Client) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := fs.String("server", envOr("PAPERTRADE_URL", "http://localhost:8080"), "server base URL")
	user := fs.String("user", os.Getenv("PAPERTRADE_USER"), "user id sent as X-User-ID")
	return fs, func() *papertrade.Client { return papertrade.NewClient(*server, *user) }
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runStatus(ctx context.Context, args []string) error {
	fs, client := clientFlags("status")
	fs.Parse(args)
	c := client()
	if err := c.Health(ctx); err != nil {
		return err
	}
	open, err := c.MarketOpen(ctx)
	if err != nil {
		return err
	}
	state := "closed"
	if open {
		state = "open"
	}
	fmt.Printf("server: ok\nmarket: %s\n", state)
	return nil
}

func runPrices(ctx context.Context, args []string) error {
	fs, client := clientFlags("prices")
	fs.Parse(args)
	ticks, err := client().Prices(ctx)
	if err != nil {
		return err
	}
	return printTicks(ticks)
}

func runSearch(ctx context.Context, args []string) error {
	fs, client := clientFlags("search")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("usage: search [flags] QUERY")
	}
	ticks, err := client().SearchSymbols(ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	return printTicks(ticks)
}

func printTicks(ticks []domain.Tick) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tPRICE\tAS OF")
	for _, t := range ticks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Symbol, t.Price.StringFixed(2), t.Timestamp.Local().Format(time.TimeOnly))
	}
	return tw.Flush()
}

func runPortfolio(ctx context.Context, args []string) error {
	fs, client := clientFlags("portfolio")
	fs.Parse(args)
	pf, err := client().Portfolio(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cash:   %s\nvalue:  %s\nequity: %s\npnl:    %s\n\n",
		pf.CashBalance.StringFixed(2), pf.MarketValue.StringFixed(2), pf.Equity.StringFixed(2), pf.UnrealizedPnL.StringFixed(2))
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tQTY\tAVG\tLAST\tVALUE\tPNL\tSTOP")
	for _, p := range pf.Positions {
		stop := "-"
		if p.StopLossPrice != nil {
			stop = p.StopLossPrice.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", p.Symbol, p.Quantity,
			p.AverageEntryPrice.StringFixed(2), p.LastPrice.StringFixed(2),
			p.MarketValue.StringFixed(2), p.UnrealizedPnL.StringFixed(2), stop)
	}
	return tw.Flush()
}

func runOrders(ctx context.Context, args []string) error {
	fs, client := clientFlags("orders")
	fs.Parse(args)
	orders, err := client().Orders(ctx)
	if err != nil {
		return err
	}
	printOrders(orders)
	return nil
}

func printOrders(orders []domain.Order) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tID\tSYMBOL\tSIDE\tKIND\tQTY\tLIMIT\tSTATUS\tPRICE\tTRIGGER")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			o.CreatedAt.Local().Format(time.DateTime), shortID(o.ID), o.Symbol, o.Side, o.Kind, o.Quantity,
			optional(o.LimitPrice), o.Status, optional(o.ExecutionPrice), o.Trigger)
	}
	tw.Flush()
}

func runPlace(ctx context.Context, side domain.OrderSide, args []string) error {
	fs, client := clientFlags(strings.ToLower(string(side)))
	limit := fs.String("limit", "", "limit price (places a LIMIT order)")
	stop := fs.String("stop", "", "stop-loss price to attach (BUY only)")
	instrument := fs.String("instrument", "", "instrument category (default EQUITY)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("usage: buy|sell [flags] SYMBOL QTY")
	}
	var qty int64
	if _, err := fmt.Sscan(fs.Arg(1), &qty); err != nil {
		return fmt.Errorf("quantity %q: %w", fs.Arg(1), err)
	}

	req := papertrade.OrderRequest{
		Symbol:     fs.Arg(0),
		Instrument: *instrument,
		Side:       string(side),
		Quantity:   qty,
		Kind:       string(domain.OrderKindMarket),
	}
	if *limit != "" {
		l, err := decimal.NewFromString(*limit)
		if err != nil {
			return fmt.Errorf("limit %q: %w", *limit, err)
		}
		req.Kind = string(domain.OrderKindLimit)
		req.LimitPrice = &l
	}
	if *stop != "" {
		s, err := decimal.NewFromString(*stop)
		if err != nil {
			return fmt.Errorf("stop %q: %w", *stop, err)
		}
		req.StopLossPrice = &s
	}

	order, err := client().PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("order %s %s %s %d %s: %s", order.ID, order.Kind, order.Side, order.Quantity, order.Symbol, order.Status)
	if order.ExecutionPrice != nil {
		fmt.Printf(" @ %s", order.ExecutionPrice.StringFixed(2))
	}
	fmt.Println()
	return nil
}

func runStop(ctx context.Context, args []string) error {
	fs, client := clientFlags("stop")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errors.New("usage: stop [flags] SYMBOL PRICE|clear")
	}
	var price *decimal.Decimal
	if arg := fs.Arg(1); arg != "clear" {
		p, err := decimal.NewFromString(arg)
		if err != nil {
			return fmt.Errorf("price %q: %w", arg, err)
		}
		price = &p
	}
	pos, err := client().SetStopLoss(ctx, fs.Arg(0), price)
	if err != nil {
		return err
	}
	fmt.Printf("%s stop-loss: %s\n", pos.Symbol, optional(pos.StopLossPrice))
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs, client := clientFlags("reset")
	fs.Parse(args)
	acct, err := client().ResetAccount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("account %s reset, balance %s\n", acct.UserID, acct.CashBalance.StringFixed(2))
	return nil
}

func runArchive(ctx context.Context, args []string) error {
	fs, client := clientFlags("archive")
	fs.Parse(args)
	res, err := client().ArchiveOrders(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d orders into %d files\n", res.Orders, res.Files)
	return nil
}

func runReadArchive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("read-archive", flag.ExitOnError)
	dir := fs.String("dir", "data/archive", "archive directory")
	user := fs.String("user", os.Getenv("PAPERTRADE_USER"), "user id")
	from := fs.String("from", time.Now().AddDate(0, 0, -30).Format(time.DateOnly), "start date (YYYY-MM-DD)")
	to := fs.String("to", time.Now().Format(time.DateOnly), "end date (YYYY-MM-DD, inclusive)")
	fs.Parse(args)
	if *user == "" {
		return errors.New("-user is required")
	}
	start, err := time.Parse(time.DateOnly, *from)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	end, err := time.Parse(time.DateOnly, *to)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	orders, err := store.NewParquetArchive(*dir).ReadOrders(ctx, *user, start, end.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		return err
	}
	printOrders(orders)
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("grpc", envOr("PAPERTRADE_GRPC", "localhost:9090"), "server gRPC address")
	user := fs.String("user", os.Getenv("PAPERTRADE_USER"), "user id")
	fs.Parse(args)
	if *user == "" {
		return errors.New("watch: -user or PAPERTRADE_USER is required")
	}

	conn, err := api.DialEvents(*addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return api.NewEventClient(conn).Stream(ctx, *user, func(ev domain.Event) error {
		line := fmt.Sprintf("%s %-20s %s", ev.Time.Local().Format(time.TimeOnly), ev.Type, ev.UserID)
		if ev.Order != nil {
			line += fmt.Sprintf(" %s %s %d %s", ev.Order.Side, ev.Order.Symbol, ev.Order.Quantity, ev.Order.Status)
		}
		if ev.Price != nil {
			line += " @ " + ev.Price.StringFixed(2)
		}
		if ev.Reason != "" {
			line += " (" + ev.Reason + ")"
		}
		fmt.Println(line)
		return nil
	})
}

func optional(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
