package config

// DefaultDocument is written when the configuration file does not exist.
const DefaultDocument = `# common holds the global settings and is required. Any key a task omits
# falls back to the matching global value.
# example documents every task key and is never executed.
common:
  # Where backups go unless a task sets destination_directory.
  global_destination: /path/to/global/destination
  # daily, weekly, monthly, yearly, or a number of seconds (>= wakeup_frequency).
  global_frequency: daily
  # copy or zip.
  global_method: copy
  # all (everything except exclusions) or none (skip).
  global_predefine_patterns: all
  # Seconds between wake cycles. Defaults to 2 hours.
  wakeup_frequency: 7200
  # Read buffer for large files when zipping, in bytes or a size like 500MiB.
  zip_chunk_size: 524288000
  # DEBUG, INFO, WARNING, ERROR or CRITICAL.
  log_level: INFO
  # Optional. When set, the current run log is copied here as error.log on errors.
  exception_notification_path: ""
  # Directory for per-run log files.
  log_dir: ./logs
  # Run history: driver none, file (JSON lines) or sqlite.
  history:
    driver: none
    path: ""

example:
  # Required.
  source_directory: /path/to/source
  # Optional, defaults to common.global_destination.
  destination_directory: /path/to/destination
  # Optional: copy or zip.
  backup_method: copy
  # Optional: daily, weekly, monthly, yearly or seconds.
  backup_frequency: daily
  # Optional: all or none.
  predefine_patterns: all
  # Optional artifact base name, without extension.
  file_name: newname
  # Directories to skip, relative to the source.
  exclude_path_list:
    - relative/path/to/exclude
    - relative/path/to/exclude2
  # Regexes matched against file paths relative to the source.
  exclude_file_list:
    - .*\.log$
    - .*\.txt$
  # Managed by autobackup, do not edit.
  last_backup_time: ""
  fail_count: 0
`
