// Package proofs implements the authenticated-request scheme shared by the
// ledger and the intent registry: fingerprints that bind the execution domain,
// the contract identity, the operation kind and every parameter, and
// recoverable secp256k1 signatures over those fingerprints.
//
// A fingerprint is keccak256(abi.encode(domainId, contract, kind, params...,
// nonce)) wrapped in the EIP-191 personal-message prefix, so signatures made
// with standard wallet tooling (personal_sign) verify unchanged.
package proofs
