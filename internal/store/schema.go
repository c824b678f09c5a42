package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
  token TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  auth_session TEXT NOT NULL,
  expires_at TEXT NOT NULL,
  revoked INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);

CREATE TABLE IF NOT EXISTS guilds (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS guild_members (
  guild_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  joined_at TEXT NOT NULL,
  PRIMARY KEY (guild_id, user_id),
  FOREIGN KEY(guild_id) REFERENCES guilds(id)
);

CREATE INDEX IF NOT EXISTS idx_guild_members_user ON guild_members(user_id);

CREATE TABLE IF NOT EXISTS channels (
  id TEXT PRIMARY KEY,
  guild_id TEXT NOT NULL,
  name TEXT NOT NULL,
  FOREIGN KEY(guild_id) REFERENCES guilds(id)
);

CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels(guild_id);

CREATE TABLE IF NOT EXISTS roles (
  id TEXT PRIMARY KEY,
  guild_id TEXT NOT NULL,
  permissions INTEGER NOT NULL,
  position INTEGER NOT NULL,
  FOREIGN KEY(guild_id) REFERENCES guilds(id)
);

CREATE INDEX IF NOT EXISTS idx_roles_guild ON roles(guild_id);

CREATE TABLE IF NOT EXISTS member_roles (
  guild_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  role_id TEXT NOT NULL,
  PRIMARY KEY (guild_id, user_id, role_id),
  FOREIGN KEY(role_id) REFERENCES roles(id)
);

CREATE INDEX IF NOT EXISTS idx_member_roles_user ON member_roles(guild_id, user_id);

CREATE TABLE IF NOT EXISTS channel_overwrites (
  channel_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  target_type TEXT NOT NULL,
  allow INTEGER NOT NULL,
  deny INTEGER NOT NULL,
  PRIMARY KEY (channel_id, target_id),
  FOREIGN KEY(channel_id) REFERENCES channels(id)
);
`
