package rpc

const (
	rpcAPICurrentVersion      = 1
	rpcAPIMinSupportedVersion = 1
	rpcAPIDefaultVersion      = 1
)

func validateRPCAPIVersion(v *int) *rpcError {
	if v == nil {
		return nil
	}
	if *v < rpcAPIMinSupportedVersion {
		return &rpcError{
			Code:    codeVersionDeprecated,
			Message: "rpc api version is deprecated and no longer supported",
		}
	}
	if *v > rpcAPICurrentVersion {
		return &rpcError{
			Code:    codeVersionUnsupported,
			Message: "rpc api version is not supported by this server",
		}
	}
	return nil
}

// VersionInfo is the result of system.version.
type VersionInfo struct {
	Version             string `json:"version"`
	Commit              string `json:"commit"`
	CurrentVersion      int    `json:"current_version"`
	MinSupportedVersion int    `json:"min_supported_version"`
	DefaultVersion      int    `json:"default_version"`
	Policy              string `json:"policy"`
}

func (s *Server) rpcVersionInfo() VersionInfo {
	return VersionInfo{
		Version:             s.build.Version,
		Commit:              s.build.Commit,
		CurrentVersion:      rpcAPICurrentVersion,
		MinSupportedVersion: rpcAPIMinSupportedVersion,
		DefaultVersion:      rpcAPIDefaultVersion,
		Policy:              "major-only; requests below min are rejected; requests above current are rejected",
	}
}
