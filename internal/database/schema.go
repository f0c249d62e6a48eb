package database

const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id VARCHAR(128) NOT NULL PRIMARY KEY,
    balance INT NOT NULL,
    last_regen_at DATETIME(3) NOT NULL,
    is_premium_tier TINYINT(1) NOT NULL DEFAULT 0,
    premium_expires_at DATETIME(3) NULL,
    has_paid_entitlement TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS generation_jobs (
    id CHAR(36) NOT NULL PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    status VARCHAR(32) NOT NULL,
    progress INT NOT NULL DEFAULT 0,
    payload JSON NOT NULL,
    result_asset_id VARCHAR(512),
    result_book_id CHAR(36),
    reserved_credits INT NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME(3) NOT NULL,
    started_at DATETIME(3) NULL,
    finished_at DATETIME(3) NULL,
    updated_at DATETIME(3) NOT NULL,
    attempt INT NOT NULL DEFAULT 0,
    KEY idx_jobs_user_kind (user_id, kind, status),
    KEY idx_jobs_status_updated (status, updated_at)
);

CREATE TABLE IF NOT EXISTS books (
    id CHAR(36) NOT NULL PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    job_id CHAR(36) NOT NULL,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    moral VARCHAR(64) NOT NULL,
    moral_description TEXT,
    page_count INT NOT NULL,
    cover_image_id VARCHAR(512),
    reading_progress INT NOT NULL DEFAULT 0,
    rating INT NULL,
    status VARCHAR(16) NOT NULL,
    created_at DATETIME(3) NOT NULL,
    updated_at DATETIME(3) NOT NULL,
    KEY idx_books_user (user_id, status, created_at),
    UNIQUE KEY uniq_books_job (job_id)
);

CREATE TABLE IF NOT EXISTS book_pages (
    id CHAR(36) NOT NULL PRIMARY KEY,
    book_id CHAR(36) NOT NULL,
    page_index INT NOT NULL,
    text TEXT NOT NULL,
    image_prompt TEXT,
    image_id VARCHAR(512),
    has_mascot TINYINT(1) NOT NULL DEFAULT 0,
    has_extra_character TINYINT(1) NOT NULL DEFAULT 0,
    UNIQUE KEY uniq_book_page (book_id, page_index),
    FOREIGN KEY (book_id) REFERENCES books(id)
);

CREATE TABLE IF NOT EXISTS user_profiles (
    user_id VARCHAR(128) NOT NULL PRIMARY KEY,
    child_name VARCHAR(128),
    child_age INT NOT NULL DEFAULT 0,
    skill_scores JSON,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS credit_packages (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    credits INT NOT NULL,
    premium_days INT NOT NULL DEFAULT 0,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS purchases (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    package_id BIGINT NOT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_charge_id VARCHAR(128) NOT NULL,
    credits INT NOT NULL,
    premium_days INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_charge (provider, provider_charge_id),
    FOREIGN KEY (package_id) REFERENCES credit_packages(id)
);
`
