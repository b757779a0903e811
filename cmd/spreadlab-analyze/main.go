// One-shot tool: analyze a vertical spread's expiration economics from
// the command line.
//
// Usage:
//
//	go run cmd/spreadlab-analyze/main.go -kind call_debit \
//	    -lower 145 -upper 155 -lower-premium 3 -upper-premium 1 \
//	    -underlying 150 [-iv 0.25 -rate 0.05 -dte 30]
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"spreadlab/internal/spread"
	"spreadlab/internal/util"
)

func main() {
	kindFlag := flag.String("kind", "call_debit", "spread kind: call_debit, call_credit, put_debit, put_credit")
	lower := flag.Float64("lower", 0, "lower strike")
	upper := flag.Float64("upper", 0, "upper strike")
	lowerPremium := flag.Float64("lower-premium", 0, "premium of the lower-strike leg")
	upperPremium := flag.Float64("upper-premium", 0, "premium of the upper-strike leg")
	underlying := flag.Float64("underlying", 0, "current underlying price")
	iv := flag.Float64("iv", 0, "implied volatility for model premiums (0 to skip)")
	rate := flag.Float64("rate", 0.05, "risk-free rate for model premiums")
	dte := flag.Int("dte", 0, "days to expiration (0 = next monthly expiration)")
	flag.Parse()

	kind, err := parseKind(*kindFlag)
	if err != nil {
		log.Fatal(err)
	}
	expiration := util.MarketClose(util.NextMonthlyExpiration(time.Now()))
	if *dte > 0 {
		expiration = time.Now().AddDate(0, 0, *dte)
	}

	vs, err := spread.New(kind, *lower, *upper, *lowerPremium, *upperPremium, expiration)
	if err != nil {
		log.Fatalf("invalid spread: %v", err)
	}
	if *underlying <= 0 {
		log.Fatal("underlying price must be positive")
	}

	analysis := vs.Analyze(*underlying)
	printAnalysis(vs, analysis, *underlying)

	if *iv > 0 {
		days := int(time.Until(expiration).Hours() / 24)
		printModelPremiums(kind, *lower, *upper, *underlying, *rate, *iv, days)
	}
}

func parseKind(s string) (spread.Kind, error) {
	switch strings.ToLower(strings.TrimSuffix(s, "_spread")) {
	case "call_debit":
		return spread.CallDebit, nil
	case "call_credit":
		return spread.CallCredit, nil
	case "put_debit":
		return spread.PutDebit, nil
	case "put_credit":
		return spread.PutCredit, nil
	default:
		return "", fmt.Errorf("unknown spread kind %q", s)
	}
}

func printAnalysis(vs *spread.VerticalSpread, a spread.Analysis, underlying float64) {
	fmt.Printf("%s\n", a.Name)
	fmt.Printf("Underlying:       %.2f\n", underlying)
	if vs.Kind.IsDebit() {
		fmt.Printf("Net debit:        %.2f\n", vs.NetPremium())
	} else {
		fmt.Printf("Net credit:       %.2f\n", vs.NetPremium())
	}
	fmt.Printf("Max profit:       %+.2f\n", a.MaxProfit)
	fmt.Printf("Max loss:         %+.2f\n", a.MaxLoss)
	if len(a.Breakevens) == 0 {
		fmt.Println("Breakevens:       none in sampled range")
	} else {
		fmt.Printf("Breakevens:       %v\n", a.Breakevens)
	}
	fmt.Printf("Profit prob.:     %.0f%% of sampled prices\n", a.ProfitProbability*100)

	fmt.Println("\nPayoff at expiration:")
	// Print every tenth grid point to keep the table readable.
	for i := 0; i < len(a.Curve); i += len(a.Curve) / 10 {
		pt := a.Curve[i]
		fmt.Printf("  %8.2f  %+8.2f\n", pt.Price, pt.Payoff)
	}
}

func printModelPremiums(kind spread.Kind, lower, upper, underlying, rate, iv float64, dte int) {
	T := float64(dte) / 365
	price := spread.BlackScholesCall
	if kind.Class() == spread.ClassPut {
		price = spread.BlackScholesPut
	}
	fmt.Printf("\nBlack-Scholes premiums (iv %.0f%%, rate %.1f%%, %d DTE):\n", iv*100, rate*100, dte)
	fmt.Printf("  %8.2f strike  %8.2f\n", lower, price(underlying, lower, T, rate, iv))
	fmt.Printf("  %8.2f strike  %8.2f\n", upper, price(underlying, upper, T, rate, iv))
}
