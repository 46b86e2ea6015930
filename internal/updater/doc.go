// Package updater tells an operator whether a newer dispatcher release is
// published. The answer is cached for a day in the config directory so that
// repeated CLI invocations in one workflow do not each call the API.
package updater
