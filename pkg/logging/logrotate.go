package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for printfarm %s
# Install: sudo cp this file to /etc/logrotate.d/printfarm-%s

%s/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 printfarm printfarm
    sharedscripts
    postrotate
        systemctl reload printfarm-%s 2>/dev/null || true
    endscript
}
`, component, component, BaseDir, component, component)
}
