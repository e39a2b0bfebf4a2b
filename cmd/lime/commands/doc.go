// Package commands wires the lime CLI verbs: user lifecycle, message
// encryption and decryption, prekey maintenance and peer trust management.
package commands
