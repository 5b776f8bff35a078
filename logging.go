// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package boringtun

import (
	"encoding/base64"

	"github.com/sirupsen/logrus"
)

func defaultLogger() logrus.FieldLogger {
	return logrus.StandardLogger().WithField("component", "boringtun")
}

// keyPreview returns a short, non-secret label for a public key.
func keyPreview(pk NoisePublicKey) string {
	s := base64.StdEncoding.EncodeToString(pk[:])
	return s[:8] + "…"
}

func peerFields(p *Peer, function string) logrus.Fields {
	return logrus.Fields{
		"function": function,
		"peer":     keyPreview(p.publicKey),
	}
}
