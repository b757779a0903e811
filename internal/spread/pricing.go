package spread

import "math"

// Black-Scholes European option pricing. Standalone utility for quoting
// single legs; the spread payoff math above is expiration-only and does
// not depend on it.

// BlackScholesCall prices a European call with spot S, strike K, time
// to expiry T in years, risk-free rate r, and volatility sigma. At or
// past expiry it returns intrinsic value.
func BlackScholesCall(S, K, T, r, sigma float64) float64 {
	if T <= 0 {
		return math.Max(S-K, 0)
	}
	d1 := (math.Log(S/K) + (r+sigma*sigma/2)*T) / (sigma * math.Sqrt(T))
	d2 := d1 - sigma*math.Sqrt(T)
	price := S*normCDF(d1) - K*math.Exp(-r*T)*normCDF(d2)
	return math.Max(price, 0)
}

// BlackScholesPut prices a European put; parameters as for
// BlackScholesCall.
func BlackScholesPut(S, K, T, r, sigma float64) float64 {
	if T <= 0 {
		return math.Max(K-S, 0)
	}
	d1 := (math.Log(S/K) + (r+sigma*sigma/2)*T) / (sigma * math.Sqrt(T))
	d2 := d1 - sigma*math.Sqrt(T)
	price := K*math.Exp(-r*T)*normCDF(-d2) - S*normCDF(-d1)
	return math.Max(price, 0)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
