package audit

import (
	"regexp"
	"strings"
)

// sensitivePathPatterns matches arguments that point at credentials or
// system configuration.
var sensitivePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/etc/`),                                 // system configuration
	regexp.MustCompile(`^/boot(/|$)`),                            // bootloader and kernels
	regexp.MustCompile(`^/(usr|bin|sbin|lib|lib64)(/|$)`),        // installed system files
	regexp.MustCompile(`(?i)(^|/)\.ssh(/|$)`),                    // SSH keys and config
	regexp.MustCompile(`(?i)(^|/)\.gnupg(/|$)`),                  // GPG keyring
	regexp.MustCompile(`(?i)(^|/)\.(aws|kube|docker)/`),          // cloud/cluster credentials
	regexp.MustCompile(`(?i)id_(rsa|ed25519|ecdsa)`),             // private keys
	regexp.MustCompile(`(?i)\.(pem|key|p12|pfx)$`),               // certificates and keys
	regexp.MustCompile(`(?i)(^|/)(shadow|gshadow|sudoers)(/|$)`), // account databases
}

// packageInstallPatterns matches commands that install packages.
var packageInstallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bapt(-get)?\s+(\S+\s+)*install\b`),
	regexp.MustCompile(`(?i)\bdnf\s+(\S+\s+)*install\b`),
	regexp.MustCompile(`(?i)\byum\s+(\S+\s+)*install\b`),
	regexp.MustCompile(`(?i)\bzypper\s+(\S+\s+)*(install|in)\b`),
	regexp.MustCompile(`(?i)\bpacman\s+-S[yu]*\s+[^-\s]`),
	regexp.MustCompile(`(?i)\bflatpak\s+(\S+\s+)*install\b`),
	regexp.MustCompile(`(?i)\bsnap\s+install\b`),
	regexp.MustCompile(`(?i)\bpipx?3?\s+install\b`),
	regexp.MustCompile(`(?i)\bbrew\s+install\b`),
}

// packageRemovePatterns matches commands that remove packages or purge caches.
var packageRemovePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bapt(-get)?\s+(\S+\s+)*(remove|purge|autoremove|clean|autoclean)\b`),
	regexp.MustCompile(`(?i)\b(dnf|yum)\s+(\S+\s+)*(remove|erase|autoremove|clean)\b`),
	regexp.MustCompile(`(?i)\bzypper\s+(\S+\s+)*(remove|rm|clean)\b`),
	regexp.MustCompile(`(?i)\bpacman\s+-(R[a-z]*|Sc+)\b`),
	regexp.MustCompile(`(?i)\bflatpak\s+(\S+\s+)*uninstall\b`),
	regexp.MustCompile(`(?i)\bsnap\s+remove\b`),
}

// destructivePatterns matches commands that delete or overwrite data.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(\S+\s+)*-[a-z]*[rf][a-z]*\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*\bof=`),
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`(?i)\b(shred|wipefs)\b`),
	regexp.MustCompile(`(?i)\btruncate\s+`),
	regexp.MustCompile(`(?i)\bfind\b.*\s-delete\b`),
	regexp.MustCompile(`(?i)\bjournalctl\s+(\S+\s+)*--vacuum-`),
}

// serviceControlPatterns matches service management and power/tuning changes.
var serviceControlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsystemctl\s+(\S+\s+)*(start|stop|restart|reload|enable|disable|mask|unmask|isolate|suspend|hibernate|poweroff|reboot)\b`),
	regexp.MustCompile(`(?i)\bservice\s+\S+\s+(start|stop|restart|reload)\b`),
	regexp.MustCompile(`(?i)\bpowerprofilesctl\s+set\b`),
	regexp.MustCompile(`(?i)\btuned-adm\s+profile\b`),
	regexp.MustCompile(`(?i)\b(ufw|firewall-cmd|nmcli)\b`),
}

// outboundTransferPatterns matches commands that could exfiltrate data.
var outboundTransferPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcurl\b[^|]*(-X\s*(POST|PUT|PATCH)|--data|-d\s|--upload-file|-T\s|-F\s|--form)`),
	regexp.MustCompile(`(?i)\bwget\b[^|]*(--post-data|--post-file)`),
	regexp.MustCompile(`(?i)\bscp\b`),
	regexp.MustCompile(`(?i)\brsync\b[^|]*\w+@[\w.-]+:`),
	regexp.MustCompile(`(?i)\bsftp\b`),
	regexp.MustCompile(`(?i)\b(nc|netcat)\b`),
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(s) {
			return true
		}
	}
	return false
}

// IsSensitivePath returns true if the given path matches a sensitive pattern.
func IsSensitivePath(path string) bool {
	return matchAny(sensitivePathPatterns, path)
}

// IsPackageInstall returns true if the command line installs packages.
func IsPackageInstall(commandLine string) bool {
	return matchAny(packageInstallPatterns, commandLine)
}

// IsPackageRemove returns true if the command line removes packages or purges caches.
func IsPackageRemove(commandLine string) bool {
	return matchAny(packageRemovePatterns, commandLine)
}

// IsDestructive returns true if the command line deletes or overwrites data.
func IsDestructive(commandLine string) bool {
	return matchAny(destructivePatterns, commandLine)
}

// IsServiceControl returns true if the command line manages services or power state.
func IsServiceControl(commandLine string) bool {
	return matchAny(serviceControlPatterns, commandLine)
}

// IsOutboundTransfer returns true if the command line could exfiltrate data.
func IsOutboundTransfer(commandLine string) bool {
	return matchAny(outboundTransferPatterns, commandLine)
}

// Classify returns every category that applies to an invocation. The
// command name is reduced to its base name so "/usr/bin/rm" classifies
// like "rm"; arguments are checked individually for sensitive paths.
func Classify(command string, args []string, privileged bool) []Category {
	name := command
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	var categories []Category
	if privileged {
		categories = append(categories, Privileged)
	}
	if IsPackageInstall(line) {
		categories = append(categories, PackageInstall)
	}
	if IsPackageRemove(line) {
		categories = append(categories, PackageRemove)
	}
	if IsDestructive(line) {
		categories = append(categories, Destructive)
	}
	if IsServiceControl(line) {
		categories = append(categories, ServiceControl)
	}
	if IsOutboundTransfer(line) {
		categories = append(categories, OutboundDataTransfer)
	}
	for _, arg := range args {
		if IsSensitivePath(arg) {
			categories = append(categories, SensitivePath)
			break
		}
	}
	return categories
}
