package catalog

import "github.com/fleetforge/fleet-medic/internal/models"

// builtinPatterns is the default log pattern table. The match strings are
// drawn from the runtimes the fleet actually hosts (JVM game servers and
// their launchers), so they favour precision over generality.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Kind:     models.KindJarCorruption,
			Severity: models.SeverityCritical,
			Match:    `(?i)invalid or corrupt jarfile|zip END header not found|error: could not find or load main class`,
			Strategies: []models.StrategyRef{
				models.StrategyRedownloadBinary,
				models.StrategyRebuildImage,
			},
		},
		{
			Kind:     models.KindJavaVersionMismatch,
			Severity: models.SeverityHigh,
			Match:    `UnsupportedClassVersionError|has been compiled by a more recent version of the Java Runtime`,
			Strategies: []models.StrategyRef{
				models.StrategyRebuildImage,
				models.StrategyRecreateContainer,
			},
		},
		{
			Kind:     models.KindOutOfMemory,
			Severity: models.SeverityCritical,
			Match:    `java\.lang\.OutOfMemoryError|(?i)oom-killer|out of memory`,
			Strategies: []models.StrategyRef{
				models.StrategyRaiseMemoryLimit,
				models.StrategyRestartContainer,
			},
		},
		{
			Kind:     models.KindPortConflict,
			Severity: models.SeverityHigh,
			Match:    `(?i)bind: address already in use|address already in use|failed to bind to port`,
			Strategies: []models.StrategyRef{
				models.StrategyReassignPort,
				models.StrategyRecreateContainer,
			},
		},
		{
			Kind:     models.KindPermissionDenied,
			Severity: models.SeverityMedium,
			Match:    `(?i)permission denied|operation not permitted|EACCES`,
			Strategies: []models.StrategyRef{
				models.StrategyFixPermissions,
				models.StrategyRestartContainer,
			},
		},
		{
			Kind:     models.KindNetworkUnreachable,
			Severity: models.SeverityMedium,
			Match:    `(?i)network is unreachable|no route to host|connection timed out|UnknownHostException`,
			Strategies: []models.StrategyRef{
				models.StrategyProbeNetwork,
				models.StrategyRestartContainer,
			},
		},
		{
			Kind:     models.KindDownloadFailure,
			Severity: models.SeverityMedium,
			Match:    `(?i)failed to download|download .* failed|curl: \([0-9]+\)|checksum mismatch`,
			Strategies: []models.StrategyRef{
				models.StrategyRedownloadBinary,
			},
		},
		{
			Kind:     models.KindCollectionFailure,
			Severity: models.SeverityLow,
			Match:    `fleet-medic: evidence collection failing`,
			Strategies: []models.StrategyRef{
				models.StrategyProbeNetwork,
			},
		},
	}
}

func builtinResourceRules() []ResourceRule {
	return []ResourceRule{
		{
			Kind:             models.KindOutOfMemory,
			Severity:         models.SeverityHigh,
			MemoryRatioAbove: 0.9,
			Strategies: []models.StrategyRef{
				models.StrategyRaiseMemoryLimit,
				models.StrategyRestartContainer,
			},
		},
	}
}

func builtinStateRules() []StateRule {
	return []StateRule{
		{
			Kind:     models.KindContainerCrash,
			Severity: models.SeverityCritical,
			States:   []models.ContainerState{models.ContainerExited, models.ContainerRestarting},
			Strategies: []models.StrategyRef{
				models.StrategyRestartContainer,
				models.StrategyRecreateContainer,
				models.StrategyRebuildImage,
			},
		},
	}
}
