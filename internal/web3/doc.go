// Package web3 holds the destination chain definitions and the minimal RPC
// surface the settlement payout pool needs. Concrete EVM support lives in the
// ethereum subpackage and chain lookup by name in provider.
package web3
