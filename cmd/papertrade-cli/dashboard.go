package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/pkg/papertrade"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	closedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("1"))
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

const maxEvents = 15

type refreshMsg struct {
	portfolio *domain.Portfolio
	prices    []domain.Tick
	open      bool
	err       error
}

type eventMsg domain.Event

type tickMsg time.Time

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type dashModel struct {
	ctx     context.Context
	client  *papertrade.Client
	refresh time.Duration

	portfolio *domain.Portfolio
	prices    []domain.Tick
	open      bool
	events    []domain.Event
	err       error
	updated   time.Time

	viewport viewport.Model
	ready    bool
	width    int
	height   int
}

func newDashModel(ctx context.Context, c *papertrade.Client, refresh time.Duration) dashModel {
	return dashModel{ctx: ctx, client: c, refresh: refresh}
}

func (m dashModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	var msg refreshMsg
	if msg.portfolio, msg.err = m.client.Portfolio(ctx); msg.err != nil {
		return msg
	}
	if msg.prices, msg.err = m.client.Prices(ctx); msg.err != nil {
		return msg
	}
	msg.open, msg.err = m.client.MarketOpen(ctx)
	return msg
}

func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, tickCmd(m.refresh))
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch, tickCmd(m.refresh))

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.portfolio = msg.portfolio
			m.prices = msg.prices
			m.open = msg.open
			m.updated = time.Now()
		}
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		return m, nil

	case eventMsg:
		m.events = append([]domain.Event{domain.Event(msg)}, m.events...)
		if len(m.events) > maxEvents {
			m.events = m.events[:maxEvents]
		}
		// Fills change cash and positions; pick them up now.
		return m, m.fetch
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m dashModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	market, style := "OPEN", headerStyle
	if !m.open {
		market, style = "CLOSED", closedStyle
	}
	headerText := " papertrade    market: " + market
	if m.portfolio != nil {
		headerText += fmt.Sprintf("    user: %s    equity: %s", m.portfolio.UserID, m.portfolio.Equity.StringFixed(2))
	}
	if !m.updated.IsZero() {
		headerText += "    updated " + m.updated.Format(time.TimeOnly)
	}

	footerLeft := " q quit  r refresh  pgup/dn scroll"
	footerRight := fmt.Sprintf("%.0f%% ", m.viewport.ScrollPercent()*100)
	gap := m.width - len(footerLeft) - len(footerRight)
	if gap < 0 {
		gap = 0
	}

	return style.Render(padOrTrunc(headerText+" ", m.width)) + "\n" +
		m.viewport.View() + "\n" +
		footerStyle.Render(padOrTrunc(footerLeft+strings.Repeat(" ", gap)+footerRight, m.width))
}

func (m dashModel) renderContent() string {
	var b strings.Builder
	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n\n")
	}

	if pf := m.portfolio; pf != nil {
		b.WriteString(sectionStyle.Render("Account") + "\n")
		fmt.Fprintf(&b, "  cash %s   value %s   pnl %s\n\n",
			pf.CashBalance.StringFixed(2), pf.MarketValue.StringFixed(2), signed(pf.UnrealizedPnL))

		b.WriteString(sectionStyle.Render("Positions") + "\n")
		b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-12s %8s %12s %12s %14s %12s %10s", "SYMBOL", "QTY", "AVG", "LAST", "VALUE", "PNL", "STOP")) + "\n")
		if len(pf.Positions) == 0 {
			b.WriteString(dimStyle.Render("  no open positions") + "\n")
		}
		for _, p := range pf.Positions {
			stop := "-"
			if p.StopLossPrice != nil {
				stop = p.StopLossPrice.StringFixed(2)
			}
			fmt.Fprintf(&b, "  %s %8d %12s %12s %14s %s %10s\n",
				symbolStyle.Render(fmt.Sprintf("%-12s", p.Symbol)), p.Quantity,
				p.AverageEntryPrice.StringFixed(2), p.LastPrice.StringFixed(2), p.MarketValue.StringFixed(2),
				signedPadded(p.UnrealizedPnL, 12), stop)
		}
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Quotes") + "\n")
	for _, t := range m.prices {
		fmt.Fprintf(&b, "  %s %12s  %s\n", symbolStyle.Render(fmt.Sprintf("%-12s", t.Symbol)),
			t.Price.StringFixed(2), dimStyle.Render(t.Timestamp.Local().Format(time.TimeOnly)))
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Events") + "\n")
	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events") + "\n")
	}
	for _, ev := range m.events {
		line := fmt.Sprintf("  %s  %-20s", ev.Time.Local().Format(time.TimeOnly), ev.Type)
		if o := ev.Order; o != nil {
			line += fmt.Sprintf(" %s %d %s %s", o.Side, o.Quantity, o.Symbol, o.Status)
		}
		if ev.Price != nil {
			line += " @ " + ev.Price.StringFixed(2)
		}
		if ev.Reason != "" {
			line += " (" + ev.Reason + ")"
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func signed(d decimal.Decimal) string {
	return signedPadded(d, 0)
}

func signedPadded(d decimal.Decimal, width int) string {
	s := fmt.Sprintf("%*s", width, d.StringFixed(2))
	switch {
	case d.IsPositive():
		return gainStyle.Render(s)
	case d.IsNegative():
		return lossStyle.Render(s)
	}
	return s
}

func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	if len(s) > width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func runDashboard(ctx context.Context, args []string) error {
	fs, client := clientFlags("dashboard")
	refresh := fs.Duration("refresh", 3*time.Second, "portfolio refresh interval")
	fs.Parse(args)
	c := client()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(
		newDashModel(ctx, c, *refresh),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)

	go func() {
		// Polling keeps the view current if the event stream is unavailable.
		_ = c.StreamEvents(ctx, func(ev domain.Event) error {
			p.Send(eventMsg(ev))
			return nil
		})
	}()

	_, err := p.Run()
	if err == tea.ErrProgramKilled && ctx.Err() != nil {
		return nil
	}
	return err
}
