/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kms

import (
	"fmt"

	"github.com/percolationlabs/percolate/internal/config"
)

// NewProvider creates a KMS Provider from the core configuration.
func NewProvider(opts config.Options) (Provider, error) {
	switch opts.KMSProvider {
	case "local":
		return newLocalProvider(opts.LocalMasterKeyPath)
	case "vault":
		return newVaultProvider(opts.VaultAddr, opts.VaultToken, opts.KMSKeyID)
	case "aws":
		return newAWSProvider(opts.KMSKeyID, AWSCredentials{Region: opts.KMSRegion})
	default:
		return nil, fmt.Errorf("unknown KMS provider type: %q", opts.KMSProvider)
	}
}
